// Package discovery implements the UDP presence beacon: a transmitter that
// periodically broadcasts a Message advertising a service or client name,
// and a listener that dispatches received advertisements (other than our
// own echo) to a callback.
package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"chatrelay/internal/logging"
	"chatrelay/internal/protocol"
)

// DefaultPort is the well-known UDP discovery port.
const DefaultPort = 50001

// DefaultPeriod is how often the transmitter sends an advertisement.
const DefaultPeriod = time.Second

// broadcastAddress is the destination used for the transmitter; it relies on
// SO_BROADCAST being set on the socket (see listenBroadcastUDP below).
const broadcastAddress = "255.255.255.255"

// Callback is invoked once per received advertisement that is not our own
// echo. src.Host and src.Port are filled in from the UDP packet's source
// address.
type Callback func(msg *protocol.Message)

// Beacon owns one UDP socket shared by a transmitter goroutine and a
// listener goroutine. Both loops terminate on Stop, which is idempotent.
type Beacon struct {
	log    *logrus.Entry
	conn   *net.UDPConn
	dest   *net.UDPAddr
	period time.Duration

	serviceName string
	msgType     protocol.Code
	onReceive   Callback

	selfEcho []byte // serialized form of our own outbound template, for the self-echo filter

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Config configures a Beacon.
type Config struct {
	// Name advertised as src.username on every outbound Message.
	Name string
	// Type is BROADCAST.SERVER_DISC for a server beacon, BROADCAST.CLIENT_DISC
	// for a client beacon.
	Type protocol.Code
	// Port to bind and broadcast to. Defaults to DefaultPort.
	Port int
	// Period between transmissions. Defaults to DefaultPeriod.
	Period time.Duration
	// OnReceive is invoked for every advertisement from another process.
	OnReceive Callback
}

// New binds the shared UDP socket (SO_BROADCAST, SO_REUSEADDR) and returns a
// Beacon ready to Start.
func New(cfg Config) (*Beacon, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	period := cfg.Period
	if period == 0 {
		period = DefaultPeriod
	}

	conn, err := listenBroadcastUDP(port)
	if err != nil {
		return nil, err
	}

	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastAddress, portString(port)))
	if err != nil {
		conn.Close()
		return nil, err
	}

	b := &Beacon{
		log:         logging.For("discovery"),
		conn:        conn,
		dest:        dest,
		period:      period,
		serviceName: cfg.Name,
		msgType:     cfg.Type,
		onReceive:   cfg.OnReceive,
		stop:        make(chan struct{}),
	}

	template := &protocol.Message{Type: b.msgType, Src: &protocol.User{Username: b.serviceName}}
	if encoded, err := encodeDatagram(template); err == nil {
		b.selfEcho = encoded
	}

	return b, nil
}

// Start launches the transmitter and listener goroutines.
func (b *Beacon) Start() {
	b.wg.Add(2)
	go b.transmit()
	go b.listen()
}

// Stop terminates both loops and closes the socket. Safe to call more than
// once, and safe to call without a prior Start.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.conn.Close()
	})
	b.wg.Wait()
}

func (b *Beacon) transmit() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			msg := &protocol.Message{Type: b.msgType, Src: &protocol.User{Username: b.serviceName}}
			data, err := encodeDatagram(msg)
			if err != nil {
				b.log.WithError(err).Warn("failed to encode beacon advertisement")
				continue
			}
			if _, err := b.conn.WriteToUDP(data, b.dest); err != nil {
				select {
				case <-b.stop:
					return
				default:
					b.log.WithError(err).Warn("failed to send beacon advertisement")
				}
			}
		}
	}
}

func (b *Beacon) listen() {
	defer b.wg.Done()
	buf := make([]byte, 2048)

	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
				b.log.WithError(err).Debug("beacon read error")
				continue
			}
		}

		data := append([]byte(nil), buf[:n]...)
		if b.selfEcho != nil && equalBytes(data, b.selfEcho) {
			continue // self-echo filter
		}

		msg, err := decodeDatagram(data)
		if err != nil {
			b.log.WithError(err).Debug("dropping malformed beacon datagram")
			continue
		}
		if msg.Src == nil {
			msg.Src = &protocol.User{}
		}
		msg.Src.Host = addr.IP.String()
		msg.Src.Port = addr.Port

		if b.onReceive != nil {
			b.onReceive(msg)
		}
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// listenBroadcastUDP opens a UDP socket bound to ":port" with SO_BROADCAST
// and SO_REUSEADDR set on the underlying file descriptor before bind.
func listenBroadcastUDP(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
					sockErr = e
					return
				}
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
					sockErr = e
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", portString(port)))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, context.DeadlineExceeded
	}
	return conn, nil
}

func portString(port int) string {
	return strconv.Itoa(port)
}
