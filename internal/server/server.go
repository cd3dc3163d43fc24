// Package server implements the relay: the per-connection read loop that
// dispatches control vs. data messages, the registry of clients/groups/pools
// it mutates, and the fan-out engine that delivers routed messages.
//
// Concurrency overview
// --------------------
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Accept loop                                              │
//	│  One goroutine per accepted TCP connection (handler).     │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │ reads/mutates
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Registry (single mutex over clients/groups/pools)        │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │ fan-out spawns one goroutine per delivery
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Recipient's SocketPool — bounds concurrent deliveries     │
//	│  to that one recipient; other recipients proceed in        │
//	│  parallel, unaffected by a slow one.                       │
//	└─────────────────────────────────────────────────────────┘
package server

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/logging"
	"chatrelay/internal/registry"
)

// DefaultPort is the well-known TCP relay port.
const DefaultPort = 50000

// acceptPollTimeout bounds how long Accept blocks between polls of the
// shutdown signal, so the accept loop can terminate politely instead of
// blocking forever inside Accept.
const acceptPollTimeout = 500 * time.Millisecond

// Server ties together the registry and the TCP listener.
type Server struct {
	log      *logrus.Entry
	registry *registry.Registry
	listener *net.TCPListener

	stop chan struct{}
}

// New builds a Server around a fresh, empty registry.
func New() *Server {
	return &Server{
		log:      logging.For("server"),
		registry: registry.New(),
		stop:     make(chan struct{}),
	}
}

// Registry exposes the server's registry, primarily for tests that need to
// inspect state directly rather than through the wire protocol.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Listen binds addr without yet accepting connections, so callers (tests,
// mainly) can read back the bound address — useful with an ":0" ephemeral
// port — before starting the accept loop with Serve.
func (s *Server) Listen(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener's address. Only valid after Listen (or
// ListenAndServe) has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop against a listener already bound by Listen. It
// blocks until Shutdown is called.
func (s *Server) Serve() error {
	return s.serve(s.listener)
}

// ListenAndServe binds addr and accepts connections until Shutdown is
// called. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// serve accepts connections on ln using a short Accept deadline, so the loop
// can notice Shutdown without blocking indefinitely inside Accept.
func (s *Server) serve(ln *net.TCPListener) error {
	s.listener = ln
	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		ln.SetDeadline(time.Now().Add(acceptPollTimeout))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return nil
			default:
				s.log.WithError(err).Warn("accept error")
				continue
			}
		}
		h := newHandler(conn, s.registry, s.log)
		go h.run()
	}
}

// Shutdown signals the accept loop to stop and closes the listener. Safe to
// call once; calling it a second time closes an already-closed channel and
// panics. Unlike agent.Stop and discovery's Beacon.Stop, it is not
// idempotent.
func (s *Server) Shutdown() {
	close(s.stop)
	if s.listener != nil {
		s.listener.Close()
	}
}
