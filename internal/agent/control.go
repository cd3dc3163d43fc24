package agent

import (
	"fmt"

	"chatrelay/internal/protocol"
)

// call serializes one write-then-read control transaction on the master
// connection under the single-flight lock; every outward-facing method is a
// plain wrapper around it.
func (a *Agent) call(req *protocol.Message) (*protocol.Message, error) {
	a.singleFlight.Lock()
	defer a.singleFlight.Unlock()

	req.Src = &protocol.User{Username: a.cfg.Name}
	return a.transactOn(a.master, req)
}

func responseCode(msg *protocol.Message) protocol.ResponseCode {
	if msg.Response == nil {
		return protocol.ERROR
	}
	return *msg.Response
}

// GetConnectedClients issues CLIENT.LIST.
func (a *Agent) GetConnectedClients() ([]string, protocol.ResponseCode, error) {
	resp, err := a.call(&protocol.Message{Type: protocol.CLIENT_LIST})
	if err != nil {
		return nil, protocol.ERROR, err
	}
	code := responseCode(resp)
	if code != protocol.OK {
		return nil, code, nil
	}
	var names []string
	if err := resp.DecodeBody(&names); err != nil {
		return nil, code, fmt.Errorf("agent: decode client list: %w", err)
	}
	return names, code, nil
}

// GetGroups issues GROUP.LIST_GROUPS.
func (a *Agent) GetGroups() ([]string, protocol.ResponseCode, error) {
	resp, err := a.call(&protocol.Message{Type: protocol.GROUP_LIST_GROUPS})
	if err != nil {
		return nil, protocol.ERROR, err
	}
	code := responseCode(resp)
	if code != protocol.OK {
		return nil, code, nil
	}
	var names []string
	if err := resp.DecodeBody(&names); err != nil {
		return nil, code, fmt.Errorf("agent: decode group list: %w", err)
	}
	return names, code, nil
}

// GetClientsInGroup issues GROUP.LIST_CLIENTS for group.
func (a *Agent) GetClientsInGroup(group string) ([]string, protocol.ResponseCode, error) {
	req := &protocol.Message{Type: protocol.GROUP_LIST_CLIENTS}
	if err := req.SetBody(group); err != nil {
		return nil, protocol.ERROR, err
	}
	resp, err := a.call(req)
	if err != nil {
		return nil, protocol.ERROR, err
	}
	code := responseCode(resp)
	if code != protocol.OK {
		return nil, code, nil
	}
	var members []string
	if err := resp.DecodeBody(&members); err != nil {
		return nil, code, fmt.Errorf("agent: decode group members: %w", err)
	}
	return members, code, nil
}

// CreateGroup issues GROUP.CREATE. Returns EXISTS if the group is already
// present.
func (a *Agent) CreateGroup(group string) (protocol.ResponseCode, error) {
	req := &protocol.Message{Type: protocol.GROUP_CREATE}
	if err := req.SetBody(group); err != nil {
		return protocol.ERROR, err
	}
	resp, err := a.call(req)
	if err != nil {
		return protocol.ERROR, err
	}
	return responseCode(resp), nil
}

// JoinGroup issues GROUP.JOIN. The cached user.group is updated only on OK.
func (a *Agent) JoinGroup(group string) (protocol.ResponseCode, error) {
	req := &protocol.Message{Type: protocol.GROUP_JOIN}
	if err := req.SetBody(group); err != nil {
		return protocol.ERROR, err
	}
	resp, err := a.call(req)
	if err != nil {
		return protocol.ERROR, err
	}
	code := responseCode(resp)
	if code == protocol.OK {
		a.setGroup(group)
	}
	return code, nil
}

// CreateAndJoinGroup is a convenience wrapper matching the common
// create-then-join sequence: CREATE then JOIN by the same client returns
// (OK, OK); a subsequent CREATE by anyone returns EXISTS.
func (a *Agent) CreateAndJoinGroup(group string) (created, joined protocol.ResponseCode, err error) {
	created, err = a.CreateGroup(group)
	if err != nil {
		return created, protocol.ERROR, err
	}
	joined, err = a.JoinGroup(group)
	return created, joined, err
}

// LeaveGroup issues GROUP.LEAVE. The cached user.group is cleared only on OK.
func (a *Agent) LeaveGroup(group string) (protocol.ResponseCode, error) {
	req := &protocol.Message{Type: protocol.GROUP_LEAVE}
	if err := req.SetBody(group); err != nil {
		return protocol.ERROR, err
	}
	resp, err := a.call(req)
	if err != nil {
		return protocol.ERROR, err
	}
	code := responseCode(resp)
	if code == protocol.OK {
		a.setGroup("")
	}
	return code, nil
}

// LeaveAllGroups issues GROUP.LEAVE_ALL. Idempotent: calling it while in no
// group still returns OK.
func (a *Agent) LeaveAllGroups() (protocol.ResponseCode, error) {
	resp, err := a.call(&protocol.Message{Type: protocol.GROUP_LEAVE_ALL})
	if err != nil {
		return protocol.ERROR, err
	}
	code := responseCode(resp)
	if code == protocol.OK {
		a.setGroup("")
	}
	return code, nil
}

// SendPrivate sends a data message of type dataType with the given body to
// the named recipient.
func (a *Agent) SendPrivate(recipient string, dataType protocol.Code, body any) (protocol.ResponseCode, error) {
	return a.sendData(&protocol.User{Username: recipient}, dataType, body, false)
}

// SendGroup sends a data message of type dataType with the given body to
// every other member of group.
func (a *Agent) SendGroup(group string, dataType protocol.Code, body any) (protocol.ResponseCode, error) {
	return a.sendData(&protocol.User{Group: group}, dataType, body, false)
}

// Announce sends a data message flagged ANNOUNCE (clients present it as a
// global announcement; routing is otherwise unchanged) to every other
// currently connected client, fetched via CLIENT.LIST. The OK response
// returned is the response to the CLIENT.LIST lookup that precedes dispatch;
// an error dispatching to any one recipient does not affect the others,
// matching the independent, best-effort nature of fan-out elsewhere in this
// system.
func (a *Agent) Announce(dataType protocol.Code, body any) (protocol.ResponseCode, error) {
	clients, code, err := a.GetConnectedClients()
	if err != nil || code != protocol.OK {
		return code, err
	}
	for _, name := range clients {
		if name == a.cfg.Name {
			continue
		}
		if _, sendErr := a.sendData(&protocol.User{Username: name}, dataType, body, true); sendErr != nil {
			a.log.WithError(sendErr).WithField("recipient", name).Debug("announce delivery failed")
		}
	}
	return protocol.OK, nil
}

func (a *Agent) sendData(dst *protocol.User, dataType protocol.Code, body any, announce bool) (protocol.ResponseCode, error) {
	msg := &protocol.Message{Type: dataType, Dst: dst}
	if announce {
		flag := protocol.FlagAnnounce
		msg.Flag = &flag
	}
	if body != nil {
		if err := msg.SetBody(body); err != nil {
			return protocol.ERROR, err
		}
	}
	resp, err := a.call(msg)
	if err != nil {
		return protocol.ERROR, err
	}
	return responseCode(resp), nil
}
