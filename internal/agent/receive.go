package agent

import (
	"errors"
	"io"
	"net"

	"chatrelay/internal/protocol"
)

// readSlave is one reader task: it loops reading one Message per iteration
// from its slave connection and pushing it into the shared recvQueue, until
// the stop flag is set or the connection fails. Ordering is FIFO within this
// one slave's stream; there is no ordering guarantee across slaves.
func (a *Agent) readSlave(conn net.Conn) {
	defer a.wg.Done()
	log := a.log.WithField("socket", conn.LocalAddr().String())

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			select {
			case <-a.stop:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("slave read failed")
			}
			return
		}

		select {
		case a.recvQueue <- msg:
		case <-a.stop:
			return
		}
	}
}

// orchestrate is the single task that drains recvQueue and invokes the
// user's callback once per message. A panicking callback is recovered and
// discarded so one bad callback invocation never kills the pipeline.
func (a *Agent) orchestrate() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case msg := <-a.recvQueue:
			a.invokeCallback(msg)
		}
	}
}

func (a *Agent) invokeCallback(msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", r).Warn("recv callback panicked, discarding")
		}
	}()
	a.cfg.RecvCallback(msg)
}
