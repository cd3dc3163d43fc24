// Package agent implements the client side of the relay fabric: opening the
// master and slave connections, running the three-step identification
// handshake, and exposing the single-flight control RPCs and receive
// pipeline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/discovery"
	"chatrelay/internal/logging"
	"chatrelay/internal/protocol"
)

// ErrIdentityTaken is returned by New when the server rejects IDENTIFY_MASTER
// because the requested username is already registered.
var ErrIdentityTaken = errors.New("agent: username already taken")

// dialRetryBackoff is the minimum pause between connection attempts while
// establishing the master or a slave socket.
const dialRetryBackoff = time.Second

// defaultRecvQueueSize bounds the receive pipeline's internal buffer.
const defaultRecvQueueSize = 256

// RecvCallback is invoked once per inbound Message. A panic inside the
// callback is caught and discarded; it never brings down the receive
// pipeline.
type RecvCallback func(msg *protocol.Message)

// Config configures Agent construction.
type Config struct {
	// Host and Port address the relay server's TCP listener.
	Host string
	Port int
	// Name is the username this agent identifies as.
	Name string
	// PoolSize is N, the number of slave connections (and therefore the
	// bound on concurrent deliveries the server can push to this agent).
	PoolSize int
	// RecvCallback receives every inbound data message, once per message,
	// via the orchestrator goroutine. Required.
	RecvCallback RecvCallback
	// DialTimeout bounds a single connection attempt; zero means no
	// per-attempt timeout.
	DialTimeout time.Duration
	// Discovery, if non-nil, starts a beacon alongside the agent
	// (construction step 5). Nil disables discovery entirely.
	Discovery *DiscoveryConfig
}

// DiscoveryConfig configures the agent's UDP presence beacon.
type DiscoveryConfig struct {
	Port      int
	Period    time.Duration
	OnReceive discovery.Callback
}

// Agent holds one master connection, a pool of slave connections, and the
// goroutines (reader-per-slave, one orchestrator, two beacon loops) that
// drive them.
type Agent struct {
	cfg Config
	log *logrus.Entry

	master net.Conn
	slaves []net.Conn

	// singleFlight serializes every outward-facing control method so at
	// most one write-then-read transaction is ever in flight on master.
	singleFlight sync.Mutex

	// groupMu guards user.group, cached locally and updated only on an OK
	// response from JoinGroup/LeaveGroup/LeaveAllGroups.
	groupMu sync.Mutex
	group   string

	recvQueue chan *protocol.Message
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	beacon *discovery.Beacon
}

// New performs the full construction sequence: dial master, dial each slave,
// run the three-step identification handshake under the single-flight lock,
// then spawn the receive pipeline and (optionally) the discovery beacon. Any
// failure at any step releases every resource opened so far and returns a
// non-nil error; the caller never receives a partially constructed Agent.
func New(ctx context.Context, cfg Config) (a *Agent, err error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent: name is required")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("agent: pool size must be positive")
	}
	if cfg.RecvCallback == nil {
		return nil, fmt.Errorf("agent: recv callback is required")
	}

	addr := net.JoinHostPort(cfg.Host, portString(cfg.Port))
	log := logging.For("agent").WithField("name", cfg.Name)

	a = &Agent{
		cfg:       cfg,
		log:       log,
		recvQueue: make(chan *protocol.Message, defaultRecvQueueSize),
		stop:      make(chan struct{}),
	}

	// Release everything opened so far if any later step fails.
	opened := make([]net.Conn, 0, cfg.PoolSize+1)
	defer func() {
		if err != nil {
			for _, c := range opened {
				c.Close()
			}
		}
	}()

	master, dialErr := dialWithRetry(ctx, addr, cfg.DialTimeout, log.WithField("socket", "master"))
	if dialErr != nil {
		return nil, dialErr
	}
	opened = append(opened, master)
	a.master = master

	slaves := make([]net.Conn, 0, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		s, dialErr := dialWithRetry(ctx, addr, cfg.DialTimeout, log.WithField("socket", fmt.Sprintf("slave-%d", i)))
		if dialErr != nil {
			return nil, dialErr
		}
		opened = append(opened, s)
		slaves = append(slaves, s)
	}
	a.slaves = slaves

	if err := a.identify(); err != nil {
		return nil, err
	}

	a.wg.Add(1 + len(a.slaves))
	go a.orchestrate()
	for _, s := range a.slaves {
		go a.readSlave(s)
	}

	if cfg.Discovery != nil {
		b, beaconErr := discovery.New(discovery.Config{
			Name:      cfg.Name,
			Type:      protocol.BROADCAST_CLIENT_DISC,
			Port:      cfg.Discovery.Port,
			Period:    cfg.Discovery.Period,
			OnReceive: cfg.Discovery.OnReceive,
		})
		if beaconErr != nil {
			log.WithError(beaconErr).Warn("discovery beacon unavailable, continuing without it")
		} else {
			a.beacon = b
			a.beacon.Start()
		}
	}

	return a, nil
}

// identify runs IDENTIFY_MASTER, then JOIN_SLAVE on each slave in turn, then
// IDENTIFY_SLAVES, all under the single-flight lock as one atomic sequence.
func (a *Agent) identify() error {
	a.singleFlight.Lock()
	defer a.singleFlight.Unlock()

	resp, err := a.transactOn(a.master, &protocol.Message{
		Type: protocol.IDENTIFY_MASTER,
		Src:  &protocol.User{Username: a.cfg.Name},
	})
	if err != nil {
		return fmt.Errorf("agent: identify master: %w", err)
	}
	if resp.Response == nil || *resp.Response != protocol.OK {
		return ErrIdentityTaken
	}

	for i, s := range a.slaves {
		resp, err := a.transactOn(s, &protocol.Message{
			Type: protocol.JOIN_SLAVE,
			Src:  &protocol.User{Username: a.cfg.Name},
		})
		if err != nil {
			return fmt.Errorf("agent: join slave %d: %w", i, err)
		}
		if resp.Response == nil || *resp.Response != protocol.OK {
			return fmt.Errorf("agent: join slave %d: server returned %v", i, resp.Response)
		}
	}

	resp, err = a.transactOn(a.master, &protocol.Message{
		Type: protocol.IDENTIFY_SLAVES,
		Src:  &protocol.User{Username: a.cfg.Name},
	})
	if err != nil {
		return fmt.Errorf("agent: identify slaves: %w", err)
	}
	if resp.Response == nil || *resp.Response != protocol.OK {
		return fmt.Errorf("agent: identify slaves: server returned %v", resp.Response)
	}
	return nil
}

// transactOn writes msg to conn and reads exactly one response Message.
// Callers must already hold singleFlight when conn is the master and the
// call is part of a control RPC.
func (a *Agent) transactOn(conn net.Conn, msg *protocol.Message) (*protocol.Message, error) {
	if err := protocol.WriteMessage(conn, msg); err != nil {
		return nil, err
	}
	return protocol.ReadMessage(conn)
}

// Stop idempotently tears down the agent: stop flag, close sockets, join
// orchestrator and readers, stop the beacon. Safe to call more than once and
// safe to call concurrently with in-flight control RPCs (they will simply
// observe a closed connection and return an error).
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.master.Close()
		for _, s := range a.slaves {
			s.Close()
		}
		a.wg.Wait()
		if a.beacon != nil {
			a.beacon.Stop()
		}
	})
}

// Group returns the agent's cached current group, or "" if it is not in one.
func (a *Agent) Group() string {
	a.groupMu.Lock()
	defer a.groupMu.Unlock()
	return a.group
}

func (a *Agent) setGroup(g string) {
	a.groupMu.Lock()
	a.group = g
	a.groupMu.Unlock()
}

func dialWithRetry(ctx context.Context, addr string, timeout time.Duration, log *logrus.Entry) (net.Conn, error) {
	var dialer net.Dialer
	if timeout > 0 {
		dialer.Timeout = timeout
	}
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		log.WithField("attempt", attempt).WithError(err).Debug("connect attempt failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryBackoff):
		}
	}
}

func portString(port int) string {
	if port == 0 {
		return "0"
	}
	return fmt.Sprintf("%d", port)
}
