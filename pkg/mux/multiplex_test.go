package mux

import (
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (*Multiplex, *Multiplex) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		m   *Multiplex
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		m, err := Client(clientConn)
		clientCh <- result{m, err}
	}()
	go func() {
		m, err := Server(serverConn)
		serverCh <- result{m, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client session: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server session: %v", sr.err)
	}
	return cr.m, sr.m
}

func TestOpenLabeledRoundTripsLabel(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	acceptCh := make(chan *LabeledConn, 1)
	errCh := make(chan error, 1)
	go func() {
		lc, err := server.AcceptLabeled()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- lc
	}()

	stream, err := client.OpenLabeled("n2n_control")
	if err != nil {
		t.Fatalf("OpenLabeled: %v", err)
	}
	defer stream.Close()

	select {
	case err := <-errCh:
		t.Fatalf("AcceptLabeled: %v", err)
	case lc := <-acceptCh:
		if lc.Label != "n2n_control" {
			t.Fatalf("expected label %q, got %q", "n2n_control", lc.Label)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcceptLabeled")
	}
}

func TestOpenLabeledPreservesPayloadAfterLabel(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	acceptCh := make(chan *LabeledConn, 1)
	errCh := make(chan error, 1)
	go func() {
		lc, err := server.AcceptLabeled()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- lc
	}()

	stream, err := client.OpenLabeled("onion_packets")
	if err != nil {
		t.Fatalf("OpenLabeled: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Write([]byte("payload\n")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	var lc *LabeledConn
	select {
	case err := <-errCh:
		t.Fatalf("AcceptLabeled: %v", err)
	case lc = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcceptLabeled")
	}

	line, err := lc.Reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if line != "payload\n" {
		t.Fatalf("expected payload line, got %q", line)
	}
}

func TestSessionPublicKeysCrossOver(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	if len(client.LocalPublicKey()) != muxKeySize {
		t.Fatalf("expected a %d-byte session public key, got %d", muxKeySize, len(client.LocalPublicKey()))
	}
	if string(client.PeerPublicKey()) != string(server.LocalPublicKey()) {
		t.Fatal("expected the client to observe the server's session public key")
	}
	if string(server.PeerPublicKey()) != string(client.LocalPublicKey()) {
		t.Fatal("expected the server to observe the client's session public key")
	}
	if string(client.LocalPublicKey()) == string(server.LocalPublicKey()) {
		t.Fatal("expected each side to generate its own session keypair")
	}
}

func TestIsClosedAfterClose(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	if client.IsClosed() {
		t.Fatal("expected fresh session to be open")
	}
	client.Close()
	if !client.IsClosed() {
		t.Fatal("expected session to report closed after Close")
	}
}
