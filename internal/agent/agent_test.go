package agent_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/agent"
	"chatrelay/internal/protocol"
	"chatrelay/internal/server"
)

// startTestServer binds an ephemeral TCP port and runs the relay's accept
// loop in the background for the duration of the test.
func startTestServer(t *testing.T) (host string, port int) {
	t.Helper()
	srv := server.New()
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	go srv.Serve()
	t.Cleanup(srv.Shutdown)

	tcpAddr := srv.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func newAgent(t *testing.T, host string, port int, name string, poolSize int, recv agent.RecvCallback) (*agent.Agent, error) {
	t.Helper()
	if recv == nil {
		recv = func(*protocol.Message) {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := agent.New(ctx, agent.Config{
		Host:         host,
		Port:         port,
		Name:         name,
		PoolSize:     poolSize,
		RecvCallback: recv,
		DialTimeout:  time.Second,
	})
	if a != nil {
		t.Cleanup(a.Stop)
	}
	return a, err
}

// Scenario 1: identification collision.
func TestIdentificationCollision(t *testing.T) {
	host, port := startTestServer(t)

	alice, err := newAgent(t, host, port, "alice", 4, nil)
	require.NoError(t, err)

	_, err = newAgent(t, host, port, "alice", 4, nil)
	require.ErrorIs(t, err, agent.ErrIdentityTaken)

	names, code, err := alice.GetConnectedClients()
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)
	require.ElementsMatch(t, []string{"alice"}, names)
}

// Scenario 2: private message delivery.
func TestPrivateMessageDelivery(t *testing.T) {
	host, port := startTestServer(t)

	received := make(chan *protocol.Message, 4)
	a, err := newAgent(t, host, port, "a", 4, nil)
	require.NoError(t, err)
	_, err = newAgent(t, host, port, "b", 4, func(m *protocol.Message) { received <- m })
	require.NoError(t, err)

	code, err := a.SendPrivate("b", protocol.PLAIN_TEXT, "hi")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)

	select {
	case msg := <-received:
		require.Equal(t, "a", msg.Src.Username)
		body, err := msg.BodyString()
		require.NoError(t, err)
		require.Equal(t, "hi", body)
	case <-time.After(2 * time.Second):
		t.Fatal("b never received a's message")
	}
}

// Scenario 3: group fan-out.
func TestGroupFanOut(t *testing.T) {
	host, port := startTestServer(t)

	xRecv := make(chan *protocol.Message, 4)
	yRecv := make(chan *protocol.Message, 4)
	zRecv := make(chan *protocol.Message, 4)

	x, err := newAgent(t, host, port, "x", 4, func(m *protocol.Message) { xRecv <- m })
	require.NoError(t, err)
	y, err := newAgent(t, host, port, "y", 4, func(m *protocol.Message) { yRecv <- m })
	require.NoError(t, err)
	z, err := newAgent(t, host, port, "z", 4, func(m *protocol.Message) { zRecv <- m })
	require.NoError(t, err)

	created, joined, err := x.CreateAndJoinGroup("room")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, created)
	require.Equal(t, protocol.OK, joined)

	created, joined, err = y.CreateAndJoinGroup("room")
	require.NoError(t, err)
	require.Equal(t, protocol.EXISTS, created)
	require.Equal(t, protocol.OK, joined)

	created, joined, err = z.CreateAndJoinGroup("room")
	require.NoError(t, err)
	require.Equal(t, protocol.EXISTS, created)
	require.Equal(t, protocol.OK, joined)

	code, err := x.SendGroup("room", protocol.PLAIN_TEXT, "hello")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)

	for _, ch := range []chan *protocol.Message{yRecv, zRecv} {
		select {
		case msg := <-ch:
			require.Equal(t, "x", msg.Src.Username)
		case <-time.After(2 * time.Second):
			t.Fatal("group member never received fan-out message")
		}
	}

	select {
	case <-xRecv:
		t.Fatal("sender must not receive its own group message")
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario 5: loopback rejection.
func TestLoopbackRejection(t *testing.T) {
	host, port := startTestServer(t)

	var got int
	var mu sync.Mutex
	a, err := newAgent(t, host, port, "a", 4, func(*protocol.Message) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)

	code, err := a.SendPrivate("a", protocol.PLAIN_TEXT, "self")
	require.NoError(t, err)
	require.Equal(t, protocol.ERROR, code)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, got)
}

// Scenario 4: cleanup on disconnect.
func TestCleanupOnDisconnect(t *testing.T) {
	host, port := startTestServer(t)

	x, err := newAgent(t, host, port, "x", 4, nil)
	require.NoError(t, err)
	z, err := newAgent(t, host, port, "z", 4, nil)
	require.NoError(t, err)

	_, _, err = x.CreateAndJoinGroup("room")
	require.NoError(t, err)
	joined, err := z.JoinGroup("room")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, joined)

	z.Stop()
	require.Eventually(t, func() bool {
		names, code, err := x.GetConnectedClients()
		return err == nil && code == protocol.OK && !contains(names, "z")
	}, 2*time.Second, 20*time.Millisecond)

	members, code, err := x.GetClientsInGroup("room")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)
	require.ElementsMatch(t, []string{"x"}, members)
}

func TestCreateGroupExistsOnSecondCaller(t *testing.T) {
	host, port := startTestServer(t)

	a, err := newAgent(t, host, port, "a", 4, nil)
	require.NoError(t, err)
	b, err := newAgent(t, host, port, "b", 4, nil)
	require.NoError(t, err)

	code, err := a.CreateGroup("lobby")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)

	code, err = b.CreateGroup("lobby")
	require.NoError(t, err)
	require.Equal(t, protocol.EXISTS, code)
}

func TestLeaveAllGroupsIdempotent(t *testing.T) {
	host, port := startTestServer(t)

	a, err := newAgent(t, host, port, "a", 4, nil)
	require.NoError(t, err)

	code, err := a.LeaveAllGroups()
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)

	code, err = a.LeaveAllGroups()
	require.NoError(t, err)
	require.Equal(t, protocol.OK, code)
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
