package control

import (
	"context"
	"sync"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// shardCount matches pkg/n2r.Router's sharded dispatch table.
const shardCount = 16

// socket is the common shape of both an n2r.Socket and a haven.Socket —
// everything the control surface needs to send, receive and tear one
// down, regardless of which layer bound it.
type socket interface {
	LocalEndpoint() fingerprint.Endpoint
	SendTo(ctx context.Context, body []byte, dest fingerprint.Endpoint) error
	RecvFrom(ctx context.Context) ([]byte, fingerprint.Endpoint, error)
	Close()
}

type registryShard struct {
	mu      sync.RWMutex
	sockets map[string]socket
}

// registry is a sharded socket_id -> socket map; shards bound lock
// contention when many callers bind and use sockets concurrently.
type registry struct {
	shards [shardCount]*registryShard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{sockets: make(map[string]socket)}
	}
	return r
}

func (r *registry) shardFor(id string) *registryShard {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return r.shards[h%shardCount]
}

func (r *registry) put(id string, s socket) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sockets[id] = s
}

func (r *registry) get(id string) (socket, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sockets[id]
	return s, ok
}

func (r *registry) closeAll() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sockets {
			s.Close()
		}
		sh.sockets = make(map[string]socket)
		sh.mu.Unlock()
	}
}
