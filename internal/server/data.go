package server

import (
	"context"
	"net"

	"github.com/google/uuid"

	"chatrelay/internal/protocol"
)

// handleData routes one DATA Message: dst.Group takes priority over
// dst.Username when classifying the destination, fan-out to a group spawns
// one independent delivery task per member (excluding the sender), a private
// destination spawns exactly one, and the sender is acknowledged immediately
// after dispatch rather than after delivery completes — a slow or dead
// recipient only ever blocks its own delivery task.
func (h *handler) handleData(msg *protocol.Message) {
	src := h.thisClient
	msg.Src = &protocol.User{Username: src}

	if msg.Dst == nil {
		h.reply(protocol.ERROR, nil)
		return
	}

	dstIsGroup := msg.Dst.Group != "" && h.registry.GroupExists(msg.Dst.Group)
	dstIsPrivate := msg.Dst.Username != "" && h.registry.HasClient(msg.Dst.Username)

	if dstIsGroup {
		srcGroup, ok := h.registry.ClientGroup(src)
		if !ok || srcGroup != msg.Dst.Group || !h.registry.InGroup(src, msg.Dst.Group) {
			h.reply(protocol.ERROR, nil)
			return
		}
		members, _ := h.registry.GroupMembers(msg.Dst.Group)
		for _, member := range members {
			if member == src {
				continue
			}
			h.dispatchDelivery(member, msg)
		}
		h.reply(protocol.OK, nil)
		return
	}

	if dstIsPrivate && msg.Dst.Username != src {
		h.dispatchDelivery(msg.Dst.Username, msg)
		h.reply(protocol.OK, nil)
		return
	}

	// Either a loopback send (src == dst) or no such recipient: both are
	// errors.
	h.reply(protocol.ERROR, nil)
}

// dispatchDelivery spawns one independent goroutine that acquires a slave
// connection from recipient's pool and writes msg to it. Deliveries never
// share a connection and never block one another; a missing pool (recipient
// never completed IDENTIFY_SLAVES, or has since disconnected) is logged and
// dropped rather than surfaced to the sender, whose reply does not depend on
// it.
func (h *handler) dispatchDelivery(recipient string, msg *protocol.Message) {
	p, ok := h.registry.Pool(recipient)
	if !ok {
		h.log.WithField("recipient", recipient).Debug("dropping delivery: recipient has no slave pool")
		return
	}

	deliveryID := uuid.NewString()
	log := h.log.WithField("delivery", deliveryID).WithField("recipient", recipient)

	go func() {
		err := p.With(context.Background(), func(conn net.Conn) error {
			return protocol.WriteMessage(conn, msg)
		})
		if err != nil {
			log.WithError(err).Debug("delivery failed")
		}
	}()
}
