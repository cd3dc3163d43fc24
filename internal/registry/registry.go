// Package registry is the server's authoritative, lock-protected view of
// connected clients, their socket pools, and groups. It implements the
// lifecycle invariants: a User exists between IDENTIFY_MASTER and
// disconnect; a SocketPool entry exists between IDENTIFY_SLAVES and
// disconnect; a group is purged only when it empties as a direct result of a
// LEAVE or a disconnect, never because it was merely created empty.
package registry

import (
	"net"
	"sync"

	"chatrelay/internal/pool"
)

// Client is the server-side record for one identified connection. Unlike
// protocol.User, it holds the live socket handles and is never itself
// serialized onto the wire.
type Client struct {
	Username   string
	Group      string // current group name, empty if none
	Host       string
	Port       int
	SockMaster net.Conn
	SockSlaves []net.Conn // collected between JOIN_SLAVE calls, consumed by IDENTIFY_SLAVES
}

// Registry holds clients, groups and socket pools behind a single mutex: the
// three maps are mutated only by server handler goroutines, and a single
// lock covers every classify-and-mutate region.
type Registry struct {
	mu sync.Mutex

	clients map[string]*Client
	pools   map[string]*pool.SocketPool
	groups  map[string]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		pools:   make(map[string]*pool.SocketPool),
		groups:  make(map[string]map[string]struct{}),
	}
}

// HasClient reports whether username is currently registered.
func (r *Registry) HasClient(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[username]
	return ok
}

// AddClient inserts a new Client for username bound to master. Fails if the
// username is already taken.
func (r *Registry) AddClient(username string, master net.Conn, host string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[username]; exists {
		return false
	}
	r.clients[username] = &Client{
		Username:   username,
		SockMaster: master,
		Host:       host,
		Port:       port,
	}
	return true
}

// JoinSlave appends conn to username's pending slave list. Fails if username
// is not registered.
func (r *Registry) JoinSlave(username string, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[username]
	if !ok {
		return false
	}
	c.SockSlaves = append(c.SockSlaves, conn)
	return true
}

// IdentifySlaves builds a SocketPool from username's collected slaves and
// installs it. Fails if no JOIN_SLAVE ever completed for this client: a
// zero-capacity pool could never satisfy a later delivery, so this takes the
// reject-with-ERROR alternative rather than installing an empty pool; see
// DESIGN.md for the rationale.
func (r *Registry) IdentifySlaves(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[username]
	if !ok {
		return false
	}
	if len(c.SockSlaves) == 0 {
		return false
	}
	p, err := pool.New(c.SockSlaves)
	if err != nil {
		return false
	}
	r.pools[username] = p
	return true
}

// Pool returns username's SocketPool and whether it exists (i.e. the client
// completed IDENTIFY_SLAVES and has not since disconnected).
func (r *Registry) Pool(username string) (*pool.SocketPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[username]
	return p, ok
}

// ClientUsernames returns a snapshot of every registered username.
func (r *Registry) ClientUsernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for u := range r.clients {
		out = append(out, u)
	}
	return out
}

// ClientGroup returns the group username currently belongs to, and whether
// username is registered at all.
func (r *Registry) ClientGroup(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[username]
	if !ok {
		return "", false
	}
	return c.Group, true
}

// InGroup reports whether username is a member of group.
func (r *Registry) InGroup(username, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return false
	}
	_, member := members[username]
	return member
}

// GroupExists reports whether group has been created (and not yet purged).
func (r *Registry) GroupExists(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[group]
	return ok
}

// GroupNames returns a snapshot of every existing group name.
func (r *Registry) GroupNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	return out
}

// GroupMembers returns a snapshot of group's members and whether group
// exists.
func (r *Registry) GroupMembers(group string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out, true
}

// CreateGroup creates an empty group. Returns (created=true, existed=false)
// on success, or (false, true) if the group already existed.
func (r *Registry) CreateGroup(group string) (created, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[group]; ok {
		return false, true
	}
	r.groups[group] = make(map[string]struct{})
	return true, false
}

// JoinGroup adds username to group and sets its cached group field. Fails if
// group does not exist.
func (r *Registry) JoinGroup(username, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return false
	}
	members[username] = struct{}{}
	if c, ok := r.clients[username]; ok {
		c.Group = group
	}
	return true
}

// LeaveGroupResult distinguishes the three outcomes GROUP.LEAVE can produce.
type LeaveGroupResult int

const (
	LeaveOK LeaveGroupResult = iota
	LeaveNotMember
	LeaveNoSuchGroup
)

// LeaveGroup removes username from group. If the group becomes empty as a
// direct result, it is purged immediately — this is the "just left" purge
// rule, applied to a single explicit LEAVE rather than the bulk
// LEAVE_ALL/disconnect case.
func (r *Registry) LeaveGroup(username, group string) LeaveGroupResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return LeaveNoSuchGroup
	}
	if _, member := members[username]; !member {
		return LeaveNotMember
	}
	delete(members, username)
	if len(members) == 0 {
		delete(r.groups, group)
	}
	if c, ok := r.clients[username]; ok {
		c.Group = ""
	}
	return LeaveOK
}

// LeaveAllGroups removes username from every group it belongs to, purging
// only the groups that became empty as a direct result of this operation —
// groups created empty and never joined by anyone are left untouched. Always
// succeeds (idempotent): calling it for a username in no groups is a no-op.
func (r *Registry) LeaveAllGroups(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, members := range r.groups {
		if _, member := members[username]; !member {
			continue
		}
		delete(members, username)
		if len(members) == 0 {
			delete(r.groups, name)
		}
	}
	if c, ok := r.clients[username]; ok {
		c.Group = ""
	}
}

// RemoveClient tears down username: its socket pool entry, its client
// record, and its group memberships, purging any group that became empty as
// a direct result (the "just left" set). Safe to call for an unknown
// username (a no-op).
func (r *Registry) RemoveClient(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[username]; !ok {
		return
	}

	for name, members := range r.groups {
		if _, member := members[username]; !member {
			continue
		}
		delete(members, username)
		if len(members) == 0 {
			delete(r.groups, name)
		}
	}

	delete(r.pools, username)
	delete(r.clients, username)
}
