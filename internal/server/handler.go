package server

import (
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/protocol"
	"chatrelay/internal/registry"
)

// handler runs the read loop for one accepted TCP connection: classifying
// each Message as control or data, dispatching it, and cleaning up the
// registry on disconnect.
//
// thisClient starts empty and becomes the username as soon as the first
// identifying instruction succeeds on this socket. It is only ever read or
// written by this handler's own goroutine, so it needs no lock.
type handler struct {
	conn       net.Conn
	registry   *registry.Registry
	log        *logrus.Entry
	thisClient string
}

func newHandler(conn net.Conn, reg *registry.Registry, log *logrus.Entry) *handler {
	return &handler{
		conn:     conn,
		registry: reg,
		log:      log.WithField("remote", conn.RemoteAddr().String()),
	}
}

// run is the per-connection read loop. It returns only when the connection
// ends, at which point it always performs cleanup — no path skips it.
func (h *handler) run() {
	defer h.cleanup()

	for {
		msg, err := protocol.ReadMessage(h.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // clean end of stream
			}
			h.log.WithError(err).Debug("closing connection after malformed frame")
			return
		}

		if msg.Type.IsInstruction() {
			h.handleInstruction(msg)
			continue
		}
		if h.thisClient != "" {
			h.handleData(msg)
			continue
		}
		// Data message from an unidentified connection: dropped silently.
	}
}

// cleanup runs exactly once when the read loop exits, regardless of cause.
// Any failure here is swallowed — the connection is already going away.
func (h *handler) cleanup() {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic", r).Warn("recovered from panic during connection cleanup")
		}
	}()
	if h.thisClient != "" {
		h.registry.RemoveClient(h.thisClient)
	}
	h.conn.Close()
}

// reply writes a RESPONSE message back on this connection. A write failure
// here just means the peer is already gone; the read loop's next call to
// ReadMessage will observe that and unwind through cleanup.
func (h *handler) reply(code protocol.ResponseCode, body any) {
	msg, err := protocol.NewResponse(code, body)
	if err != nil {
		h.log.WithError(err).Warn("failed to build response")
		return
	}
	if err := protocol.WriteMessage(h.conn, msg); err != nil {
		h.log.WithError(err).Debug("failed to write response")
	}
}

// identity returns the username a control instruction applies to: the
// username the message itself carries if any (needed before thisClient is
// set, e.g. for IDENTIFY_MASTER/JOIN_SLAVE), falling back to the identity
// already established on this connection.
func (h *handler) identity(msg *protocol.Message) string {
	if msg.Src != nil && msg.Src.Username != "" {
		return msg.Src.Username
	}
	return h.thisClient
}
