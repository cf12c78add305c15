package control

import (
	"context"
	"testing"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

type fakeSocket struct {
	ep     fingerprint.Endpoint
	closed bool
}

func (f *fakeSocket) LocalEndpoint() fingerprint.Endpoint { return f.ep }
func (f *fakeSocket) SendTo(ctx context.Context, body []byte, dest fingerprint.Endpoint) error {
	return nil
}
func (f *fakeSocket) RecvFrom(ctx context.Context) ([]byte, fingerprint.Endpoint, error) {
	return nil, fingerprint.Endpoint{}, nil
}
func (f *fakeSocket) Close() { f.closed = true }

func TestRegistryPutGetRoundTrips(t *testing.T) {
	r := newRegistry()
	s := &fakeSocket{}
	r.put("alice", s)

	got, ok := r.get("alice")
	if !ok {
		t.Fatal("expected socket to be found")
	}
	if got != s {
		t.Fatal("expected the same socket back")
	}
}

func TestRegistryGetMissingReturnsFalse(t *testing.T) {
	r := newRegistry()
	_, ok := r.get("nobody")
	if ok {
		t.Fatal("expected not found")
	}
}

func TestRegistryCloseAllClosesEverySocket(t *testing.T) {
	r := newRegistry()
	sockets := make([]*fakeSocket, 0, 32)
	for i := 0; i < 32; i++ {
		s := &fakeSocket{}
		sockets = append(sockets, s)
		r.put(string(rune('a'+i)), s)
	}

	r.closeAll()

	for i, s := range sockets {
		if !s.closed {
			t.Fatalf("socket %d was not closed", i)
		}
	}
	for i := range sockets {
		if _, ok := r.get(string(rune('a' + i))); ok {
			t.Fatal("expected registry to be empty after closeAll")
		}
	}
}

func TestRegistryShardsDistributeAcrossIDs(t *testing.T) {
	r := newRegistry()
	seen := make(map[*registryShard]bool)
	for i := 0; i < 64; i++ {
		seen[r.shardFor(string(rune(i)))] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected ids to spread across more than one shard")
	}
}
