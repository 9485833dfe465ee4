package client

import (
	"context"
	"sync"
)

// Registry routes new Catalogue/Store clients to an existing Connection
// when their endpoints match, and closes a Connection once its last
// client has released it.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	opts  DialOptions
}

// NewRegistry returns an empty Registry. opts governs every Connection
// it dials (single-channel preference, advertised functionality).
func NewRegistry(opts DialOptions) *Registry {
	return &Registry{conns: make(map[string]*Connection), opts: opts}
}

// Get returns the shared Connection for addr, dialing one if this is
// the first client to ask for it.
func (reg *Registry) Get(ctx context.Context, addr string) (*Connection, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c, ok := reg.conns[addr]; ok {
		c.acquire()
		return c, nil
	}
	c, err := Dial(ctx, addr, reg.opts)
	if err != nil {
		return nil, err
	}
	c.acquire()
	reg.conns[addr] = c
	return c, nil
}

// Release drops one reference to the Connection serving addr, closing
// it once the last client has let go.
func (reg *Registry) Release(addr string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	c, ok := reg.conns[addr]
	if !ok {
		return
	}
	if c.release() {
		delete(reg.conns, addr)
		_ = c.Close()
	}
}

// CloseAll tears down every Connection the Registry currently owns.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for addr, c := range reg.conns {
		_ = c.Close()
		delete(reg.conns, addr)
	}
}
