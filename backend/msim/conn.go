package msim

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"beegate/protocol"
)

var ErrNotConnected = errors.New("not connected")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// conn is the socket to the msim server. Writes may come from any
// goroutine; packets read are handed to onPacket in order.
type conn struct {
	mu      sync.Mutex
	c       net.Conn
	closing atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, done: make(chan struct{})}
}

func (c *conn) send(pktType string, fields ...string) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.c.Write([]byte(protocol.FormatPacket(pktType, fields...)))
	return err
}

// close shuts the socket down on our initiative; readLoop will not report
// the resulting error.
func (c *conn) close() error {
	c.closing.Store(true)
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.c.Close()
	})
	return err
}

// readLoop parses lines until the connection fails. lost is called once
// with the error unless close was called first.
func (c *conn) readLoop(onPacket func(*protocol.Packet), lost func(error), onBadLine func(string, error)) {
	reader := bufio.NewReader(c.c)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			wasClosing := c.closing.Load()
			c.once.Do(func() {
				close(c.done)
				c.c.Close()
			})
			if !wasClosing {
				lost(err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			onBadLine(line, err)
			continue
		}
		onPacket(pkt)
	}
}
