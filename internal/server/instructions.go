package server

import (
	"net"

	"chatrelay/internal/protocol"
	"chatrelay/internal/registry"
)

// handleInstruction dispatches one INSTRUCTION Message to the matching
// control operation: session setup (IDENTIFY_MASTER/JOIN_SLAVE/
// IDENTIFY_SLAVES), directory queries (CLIENT.LIST/GROUP.LIST_GROUPS/
// GROUP.LIST_CLIENTS), and group management (GROUP.CREATE/JOIN/LEAVE/
// LEAVE_ALL). CLIENT.RENAME is reserved and always answered NOT_EXIST.
func (h *handler) handleInstruction(msg *protocol.Message) {
	switch msg.Type {
	case protocol.IDENTIFY_MASTER:
		h.handleIdentifyMaster(msg)
	case protocol.JOIN_SLAVE:
		h.handleJoinSlave(msg)
	case protocol.IDENTIFY_SLAVES:
		h.handleIdentifySlaves(msg)

	case protocol.CLIENT_LIST:
		h.handleClientList()
	case protocol.CLIENT_RENAME:
		// Reserved for future use.
		h.reply(protocol.NOT_EXIST, nil)

	case protocol.GROUP_LIST_GROUPS:
		h.handleGroupListGroups()
	case protocol.GROUP_LIST_CLIENTS:
		h.handleGroupListClients(msg)
	case protocol.GROUP_CREATE:
		h.handleGroupCreate(msg)
	case protocol.GROUP_JOIN:
		h.handleGroupJoin(msg)
	case protocol.GROUP_LEAVE:
		h.handleGroupLeave(msg)
	case protocol.GROUP_LEAVE_ALL:
		h.handleGroupLeaveAll()

	default:
		h.reply(protocol.ERROR, nil)
	}
}

func (h *handler) handleIdentifyMaster(msg *protocol.Message) {
	username := h.identity(msg)
	if username == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	host, port := splitHostPort(h.conn.RemoteAddr())
	if !h.registry.AddClient(username, h.conn, host, port) {
		h.reply(protocol.ERROR, nil)
		return
	}
	h.thisClient = username
	h.reply(protocol.OK, nil)
}

func (h *handler) handleJoinSlave(msg *protocol.Message) {
	username := h.identity(msg)
	if username == "" || !h.registry.JoinSlave(username, h.conn) {
		h.reply(protocol.NOT_EXIST, nil)
		return
	}
	h.thisClient = username
	h.reply(protocol.OK, nil)
}

func (h *handler) handleIdentifySlaves(msg *protocol.Message) {
	username := h.identity(msg)
	if username == "" || !h.registry.HasClient(username) {
		h.reply(protocol.NOT_EXIST, nil)
		return
	}
	if !h.registry.IdentifySlaves(username) {
		h.reply(protocol.ERROR, nil)
		return
	}
	h.thisClient = username
	h.reply(protocol.OK, nil)
}

func (h *handler) handleClientList() {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	h.reply(protocol.OK, h.registry.ClientUsernames())
}

func (h *handler) handleGroupListGroups() {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	h.reply(protocol.OK, h.registry.GroupNames())
}

func (h *handler) handleGroupListClients(msg *protocol.Message) {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	group, err := msg.BodyString()
	if err != nil || group == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	members, ok := h.registry.GroupMembers(group)
	if !ok {
		h.reply(protocol.NOT_EXIST, nil)
		return
	}
	h.reply(protocol.OK, members)
}

func (h *handler) handleGroupCreate(msg *protocol.Message) {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	group, err := msg.BodyString()
	if err != nil || group == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	_, existed := h.registry.CreateGroup(group)
	if existed {
		h.reply(protocol.EXISTS, nil)
		return
	}
	h.reply(protocol.OK, nil)
}

func (h *handler) handleGroupJoin(msg *protocol.Message) {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	group, err := msg.BodyString()
	if err != nil || group == "" || !h.registry.JoinGroup(h.thisClient, group) {
		h.reply(protocol.ERROR, nil)
		return
	}
	h.reply(protocol.OK, nil)
}

func (h *handler) handleGroupLeave(msg *protocol.Message) {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	group, err := msg.BodyString()
	if err != nil || group == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	switch h.registry.LeaveGroup(h.thisClient, group) {
	case registry.LeaveOK:
		h.reply(protocol.OK, nil)
	case registry.LeaveNotMember:
		h.reply(protocol.NOT_EXIST, nil)
	default:
		h.reply(protocol.ERROR, nil)
	}
}

func (h *handler) handleGroupLeaveAll() {
	if h.thisClient == "" {
		h.reply(protocol.ERROR, nil)
		return
	}
	h.registry.LeaveAllGroups(h.thisClient)
	h.reply(protocol.OK, nil)
}

func splitHostPort(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}
