package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/earendil-project/overlayd/pkg/mux"
)

// PoolReuseWindow bounds how long an idle pooled substream may sit before
// it is discarded rather than reused.
const PoolReuseWindow = 60 * time.Second

// MuxLabel is the substream label carrying line-delimited JSON-RPC.
const MuxLabel = "n2n_control"

type pooledStream struct {
	conn   net.Conn
	reader *bufio.Reader
}

// MuxTransport is a Transport over a single Multiplex's "n2n_control"
// substreams, with an unbounded free-list of recently used connections
// reused within PoolReuseWindow. A substream that sees any I/O or parse
// failure is dropped, never returned to the pool.
type MuxTransport struct {
	mplex *mux.Multiplex

	mu   sync.Mutex
	free []pooledEntry
}

type pooledEntry struct {
	stream  pooledStream
	stashed time.Time
}

// NewMuxTransport wraps an established Multiplex for RPC calls.
func NewMuxTransport(mplex *mux.Multiplex) *MuxTransport {
	return &MuxTransport{mplex: mplex}
}

func (t *MuxTransport) getConn() (pooledStream, error) {
	t.mu.Lock()
	for len(t.free) > 0 {
		n := len(t.free) - 1
		e := t.free[n]
		t.free = t.free[:n]
		if time.Since(e.stashed) < PoolReuseWindow {
			t.mu.Unlock()
			return e.stream, nil
		}
		e.stream.conn.Close()
	}
	t.mu.Unlock()

	conn, err := t.mplex.OpenLabeled(MuxLabel)
	if err != nil {
		return pooledStream{}, fmt.Errorf("rpc: open %s substream: %w", MuxLabel, err)
	}
	return pooledStream{conn: conn, reader: bufio.NewReaderSize(conn, 65536)}, nil
}

func (t *MuxTransport) putConn(s pooledStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.free = append(t.free, pooledEntry{stream: s, stashed: time.Now()})
}

// CallRaw writes req as a single JSON line and reads back one response
// line, returning the substream to the free-list on success.
func (t *MuxTransport) CallRaw(ctx context.Context, req Request) (*Response, error) {
	s, err := t.getConn()
	if err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
	}

	body, err := json.Marshal(req)
	if err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	if _, err := s.conn.Write(append(body, '\n')); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("rpc: write request: %w", err)
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("rpc: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("rpc: decode response: %w", err)
	}

	s.conn.SetDeadline(time.Time{})
	t.putConn(s)
	return &resp, nil
}

// Close releases every pooled substream.
func (t *MuxTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.free {
		e.stream.conn.Close()
	}
	t.free = nil
}
