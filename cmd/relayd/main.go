// Command relayd runs the relay server: the TCP handler accept loop and,
// unless disabled, the UDP discovery beacon advertising this server's name.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chatrelay/internal/discovery"
	"chatrelay/internal/logging"
	"chatrelay/internal/protocol"
	"chatrelay/internal/server"
)

func main() {
	var (
		addr         string
		name         string
		verbose      bool
		noDiscovery  bool
		discoverPort int
	)

	root := &cobra.Command{
		Use:   "relayd",
		Short: "relayd runs the chat relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logging.SetLevel(logrus.DebugLevel)
			}
			log := logging.For("relayd")

			srv := server.New()
			if err := srv.Listen(addr); err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			log.WithField("addr", srv.Addr().String()).Info("relayd listening")

			var beacon *discovery.Beacon
			if !noDiscovery {
				var err error
				beacon, err = discovery.New(discovery.Config{
					Name: name,
					Type: protocol.BROADCAST_SERVER_DISC,
					Port: discoverPort,
				})
				if err != nil {
					log.WithError(err).Warn("discovery beacon unavailable, continuing without it")
				} else {
					beacon.Start()
				}
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-quit
				log.Info("shutting down")
				if beacon != nil {
					beacon.Stop()
				}
				srv.Shutdown()
			}()

			return srv.Serve()
		},
	}

	root.Flags().StringVar(&addr, "addr", net.JoinHostPort("", strconv.Itoa(server.DefaultPort)), "TCP address to listen on")
	root.Flags().StringVar(&name, "name", "relay", "service name advertised by the discovery beacon")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.Flags().BoolVar(&noDiscovery, "no-discovery", false, "disable the UDP discovery beacon")
	root.Flags().IntVar(&discoverPort, "discovery-port", discovery.DefaultPort, "UDP port for the discovery beacon")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
