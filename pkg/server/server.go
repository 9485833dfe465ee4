// Package server implements the server side of the fdb wire protocol:
// an accept loop that hands each connecting client to its own handler
// goroutine, the control/data session handshake, and the per-request
// worker dispatch that serves Catalogue and Store operations against
// the local Engine.
package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/arkfield/fdb/pkg/config"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/metrics"
	"github.com/rs/zerolog"
)

// Server owns the listening socket, the shared data-port list, and the
// Engine every connection handler serves requests from.
type Server struct {
	cfg    *config.Config
	eng    *engine.Engine
	ports  *PortList
	logger zerolog.Logger

	// schemaData is the raw schema document handed to clients that ask
	// for it (KindSchema), loaded once at startup.
	schemaData []byte

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closed   bool
}

// New builds a Server over cfg and eng. schemaData may be nil when no
// schema file is configured; clients asking for the schema then get a
// NotFound error.
func New(cfg *config.Config, eng *engine.Engine, schemaData []byte) (*Server, error) {
	portListPath := filepath.Join(firstRootOr(cfg, "."), "fdb-server.ports")
	ports, err := OpenPortList(portListPath, cfg.DataPortStart, cfg.DataPortCount)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		eng:        eng,
		ports:      ports,
		logger:     logging.WithComponent("server"),
		schemaData: schemaData,
		sessions:   make(map[*session]struct{}),
	}, nil
}

func firstRootOr(cfg *config.Config, fallback string) string {
	if len(cfg.Roots) > 0 {
		return cfg.Roots[0]
	}
	return fallback
}

// Addr returns the address the Server is listening on, once Serve has
// bound it. Useful when ServerPort is 0 (ephemeral, tests).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the control socket without accepting yet, so callers
// can learn the bound address before starting Serve.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fdberr.New(fdberr.Transport, "server.Listen", err).WithEndpoint(addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called,
// handling each client in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fdberr.New(fdberr.Transport, "server.Serve", err)
		}
		metrics.ConnectionsActive.WithLabelValues("control").Inc()
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting and tears down every active session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	return nil
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
