// Command relay-client is a minimal line-oriented front end for
// internal/agent: just enough of a runnable CLI to exercise the client
// agent end to end.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"chatrelay/internal/agent"
	"chatrelay/internal/logging"
	"chatrelay/internal/protocol"
	"chatrelay/internal/server"
)

func main() {
	var (
		addr        string
		name        string
		connections int
	)

	root := &cobra.Command{
		Use:   "relay-client",
		Short: "relay-client connects to a relayd server and exchanges messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := splitAddr(addr)
			if err != nil {
				return err
			}

			log := logging.For("relay-client")

			a, err := agent.New(context.Background(), agent.Config{
				Host:     host,
				Port:     port,
				Name:     name,
				PoolSize: connections,
				RecvCallback: func(msg *protocol.Message) {
					printInbound(msg)
				},
			})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer a.Stop()

			log.WithField("name", name).Info("connected")
			runREPL(a)
			return nil
		},
	}

	root.Flags().StringVar(&addr, "addr", fmt.Sprintf("127.0.0.1:%d", server.DefaultPort), "relay server HOST:PORT")
	root.Flags().StringVar(&name, "name", "", "username to identify as (required)")
	root.Flags().IntVar(&connections, "connections", 4, "number of slave connections in the receive pool")
	root.MarkFlagRequired("name")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printInbound(msg *protocol.Message) {
	src := "?"
	if msg.Src != nil {
		src = msg.Src.Username
	}
	body, _ := msg.BodyString()
	if msg.IsAnnounce() {
		fmt.Printf("[announcement from %s] %s\n", src, body)
		return
	}
	fmt.Printf("%s: %s\n", src, body)
}

// runREPL reads newline-delimited commands from stdin until EOF or /quit.
// Commands: /list, /groups, /create NAME, /join NAME, /leave NAME,
// /leaveall, /msg USER TEXT, /group NAME TEXT, /announce TEXT, /quit.
func runREPL(a *agent.Agent) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			fmt.Println("unrecognized input; commands start with /")
			continue
		}
		fields := strings.SplitN(line[1:], " ", 3)
		switch fields[0] {
		case "quit":
			return
		case "list":
			names, code, err := a.GetConnectedClients()
			report(names, code, err)
		case "groups":
			names, code, err := a.GetGroups()
			report(names, code, err)
		case "create":
			if len(fields) < 2 {
				fmt.Println("usage: /create NAME")
				continue
			}
			code, err := a.CreateGroup(fields[1])
			report(nil, code, err)
		case "join":
			if len(fields) < 2 {
				fmt.Println("usage: /join NAME")
				continue
			}
			code, err := a.JoinGroup(fields[1])
			report(nil, code, err)
		case "leave":
			if len(fields) < 2 {
				fmt.Println("usage: /leave NAME")
				continue
			}
			code, err := a.LeaveGroup(fields[1])
			report(nil, code, err)
		case "leaveall":
			code, err := a.LeaveAllGroups()
			report(nil, code, err)
		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: /msg USER TEXT")
				continue
			}
			code, err := a.SendPrivate(fields[1], protocol.PLAIN_TEXT, fields[2])
			report(nil, code, err)
		case "group":
			if len(fields) < 3 {
				fmt.Println("usage: /group NAME TEXT")
				continue
			}
			code, err := a.SendGroup(fields[1], protocol.PLAIN_TEXT, fields[2])
			report(nil, code, err)
		case "announce":
			if len(fields) < 2 {
				fmt.Println("usage: /announce TEXT")
				continue
			}
			code, err := a.Announce(protocol.PLAIN_TEXT, strings.Join(fields[1:], " "))
			report(nil, code, err)
		default:
			fmt.Printf("unknown command: /%s\n", fields[0])
		}
	}
}

func report(names []string, code protocol.ResponseCode, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if names != nil {
		fmt.Println(strconv.Itoa(len(names)), "result(s):", strings.Join(names, ", "))
		return
	}
	fmt.Println(code)
}

func splitAddr(addr string) (host string, port int, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid address %q, want HOST:PORT", addr)
	}
	host = addr[:idx]
	port, err = strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
