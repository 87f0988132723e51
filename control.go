package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"beegate/ircd"
)

// controlServer answers management commands on a unix socket, one line per
// connection: "stats" or "shutdown[|reason]".
type controlServer struct {
	path     string
	listener net.Listener
	srv      statsSource
	log      *slog.Logger
	requests chan string
}

type statsSource interface {
	GetStats() ircd.Stats
}

func startControlSocket(path string, srv statsSource, log *slog.Logger) (*controlServer, error) {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	cs := &controlServer{
		path:     path,
		listener: listener,
		srv:      srv,
		log:      log.With("component", "control"),
		requests: make(chan string, 1),
	}
	cs.log.Info("control socket listening", "path", path)
	go cs.serve()
	return cs, nil
}

// Requests delivers the reason of each shutdown request.
func (cs *controlServer) Requests() <-chan string {
	if cs == nil {
		return nil
	}
	return cs.requests
}

func (cs *controlServer) Close() {
	if cs == nil {
		return
	}
	cs.listener.Close()
	os.Remove(cs.path)
}

func (cs *controlServer) serve() {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go cs.handle(conn)
	}
}

func (cs *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		data, err := json.Marshal(cs.srv.GetStats())
		if err != nil {
			fmt.Fprintf(conn, "ERROR|%v\n", err)
			return
		}
		fmt.Fprintf(conn, "OK|%s\n", data)

	case "shutdown":
		reason := "maintenance"
		if len(parts) > 1 && parts[1] != "" {
			reason = parts[1]
		}
		select {
		case cs.requests <- reason:
			fmt.Fprint(conn, "OK|Shutting down\n")
		default:
			fmt.Fprint(conn, "ERROR|Shutdown already in progress\n")
		}

	default:
		fmt.Fprint(conn, "ERROR|Unknown command\n")
	}
}

// controlRequest sends one command to a running gateway and returns the
// payload of its OK answer.
func controlRequest(path, line string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return "", err
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(resp), "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}
