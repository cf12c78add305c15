package control

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/rpc"
)

func TestServerServesMyRoutesOverConnection(t *testing.T) {
	p := newTestProtocol(t, nil, nil)
	srv := NewServer("127.0.0.1:0", p, logger.NewDefault())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.DialTimeout("tcp", srv.listener.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := rpc.Request{JSONRPC: "2.0", ID: rawID("1"), Method: "my_routes"}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var resp rpc.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected success, got error %v", resp.Error)
	}
}

func TestServerStopClosesListener(t *testing.T) {
	p := newTestProtocol(t, nil, nil)
	srv := NewServer("127.0.0.1:0", p, logger.NewDefault())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.listener.Addr().String()
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail after Stop")
	}
}
