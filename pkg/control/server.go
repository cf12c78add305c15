package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/rpc"
)

// Server listens for administrative connections and dispatches one
// JSON-RPC request per line.
type Server struct {
	address  string
	protocol *Protocol
	log      *logger.Logger

	listener net.Listener
	conns    map[net.Conn]struct{}
	connsMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a control Server bound to address, dispatching
// requests to protocol.
func NewServer(address string, protocol *Protocol, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address:  address,
		protocol: protocol,
		log:      log.Component("control"),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Info("control server listening", "address", s.address)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// background goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	s.protocol.Close()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}
		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				return
			}
		}
		if len(line) == 0 {
			if err != nil {
				return
			}
			continue
		}

		var req rpc.Request
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			s.log.Debug("dropping malformed request line", "error", jsonErr)
			if err != nil {
				return
			}
			continue
		}

		resp := s.protocol.RespondRaw(s.ctx, req)
		encoded, encErr := json.Marshal(resp)
		if encErr == nil {
			encoded = append(encoded, '\n')
			conn.Write(encoded)
		}

		if err != nil {
			return
		}
	}
}
