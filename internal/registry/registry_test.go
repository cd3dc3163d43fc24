package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a
}

func TestAddClientRejectsDuplicateUsername(t *testing.T) {
	r := New()
	require.True(t, r.AddClient("alice", fakeConn(t), "127.0.0.1", 1234))
	require.False(t, r.AddClient("alice", fakeConn(t), "127.0.0.1", 1234))
}

func TestClientsMapInvariant(t *testing.T) {
	r := New()
	r.AddClient("alice", fakeConn(t), "", 0)
	r.AddClient("bob", fakeConn(t), "", 0)

	names := r.ClientUsernames()
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestIdentifySlavesRequiresJoinedSlaves(t *testing.T) {
	r := New()
	r.AddClient("alice", fakeConn(t), "", 0)

	require.False(t, r.IdentifySlaves("alice"), "zero joined slaves must not install a pool")
	_, ok := r.Pool("alice")
	require.False(t, ok)

	require.True(t, r.JoinSlave("alice", fakeConn(t)))
	require.True(t, r.IdentifySlaves("alice"))
	p, ok := r.Pool("alice")
	require.True(t, ok)
	require.Equal(t, 1, p.Size())
}

func TestJoinSlaveUnknownUsername(t *testing.T) {
	r := New()
	require.False(t, r.JoinSlave("ghost", fakeConn(t)))
}

func TestGroupCreateJoinLifecycle(t *testing.T) {
	r := New()
	r.AddClient("x", fakeConn(t), "", 0)

	created, existed := r.CreateGroup("room")
	require.True(t, created)
	require.False(t, existed)

	// A group created empty and never joined is NOT purged just because it
	// is empty — it stays until a LEAVE/disconnect actually empties it.
	require.True(t, r.GroupExists("room"))

	created, existed = r.CreateGroup("room")
	require.False(t, created)
	require.True(t, existed)

	require.True(t, r.JoinGroup("x", "room"))
	group, ok := r.ClientGroup("x")
	require.True(t, ok)
	require.Equal(t, "room", group)
	require.True(t, r.InGroup("x", "room"))
}

func TestLeaveGroupPurgesOnlyWhenEmptiedByLeave(t *testing.T) {
	r := New()
	r.AddClient("x", fakeConn(t), "", 0)
	r.AddClient("y", fakeConn(t), "", 0)
	r.CreateGroup("room")
	r.JoinGroup("x", "room")
	r.JoinGroup("y", "room")

	require.Equal(t, LeaveNotMember, r.LeaveGroup("z", "room"))
	require.Equal(t, LeaveNoSuchGroup, r.LeaveGroup("x", "no-such-group"))

	require.Equal(t, LeaveOK, r.LeaveGroup("x", "room"))
	require.True(t, r.GroupExists("room"), "group still has y as a member")

	require.Equal(t, LeaveOK, r.LeaveGroup("y", "room"))
	require.False(t, r.GroupExists("room"), "group must be purged once LEAVE empties it")

	group, _ := r.ClientGroup("x")
	require.Equal(t, "", group, "leaving clears the cached group field")
}

func TestLeaveAllGroupsIsIdempotentAndPurgesOnlyEmptied(t *testing.T) {
	r := New()
	r.AddClient("x", fakeConn(t), "", 0)
	r.CreateGroup("a")
	r.CreateGroup("b") // created empty, x never joins
	r.JoinGroup("x", "a")

	r.LeaveAllGroups("x")
	require.False(t, r.GroupExists("a"), "a must be purged: x's departure emptied it")
	require.True(t, r.GroupExists("b"), "b was already empty before this operation and must survive")

	// Idempotent: calling again with x in no groups changes nothing and
	// does not panic or error.
	r.LeaveAllGroups("x")
	require.True(t, r.GroupExists("b"))
}

func TestRemoveClientCleansUpEverything(t *testing.T) {
	r := New()
	master := fakeConn(t)
	r.AddClient("z", master, "", 0)
	r.JoinSlave("z", fakeConn(t))
	r.IdentifySlaves("z")
	r.CreateGroup("room")
	r.JoinGroup("z", "room")

	r.RemoveClient("z")

	require.False(t, r.HasClient("z"))
	_, ok := r.Pool("z")
	require.False(t, ok)
	require.False(t, r.GroupExists("room"), "room had only z as a member, so disconnect purges it")
}

func TestRemoveClientUnknownUsernameIsNoop(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.RemoveClient("ghost") })
}

func TestRemoveClientPreservesGroupsStillOccupied(t *testing.T) {
	r := New()
	r.AddClient("x", fakeConn(t), "", 0)
	r.AddClient("y", fakeConn(t), "", 0)
	r.CreateGroup("room")
	r.JoinGroup("x", "room")
	r.JoinGroup("y", "room")

	r.RemoveClient("y")

	require.True(t, r.GroupExists("room"))
	members, ok := r.GroupMembers("room")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"x"}, members)
}
