package ircd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"

	"beegate/bridge"
	"beegate/gateway"
)

const (
	controlChannel = "&bitlbee"
	rootNick       = "root"
)

// Client is one IRC connection. Everything below wmu is owned by the
// session loop.
type Client struct {
	ID string

	srv     *Server
	conn    net.Conn
	log     *slog.Logger
	loop    *gateway.Loop
	gw      *gateway.Gateway
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	wmu  sync.Mutex
	dead atomic.Bool

	nick       string
	user       string
	realname   string
	host       string
	pass       string
	away       string
	registered bool
	joined     bool
	replyTo    string
	present    map[*bridge.Identity]bool
}

func newClient(s *Server, conn net.Conn, id string, loop *gateway.Loop) *Client {
	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      id,
		srv:     s,
		conn:    conn,
		log:     s.log.With("session", id),
		loop:    loop,
		limiter: rate.NewLimiter(rate.Limit(s.config.FloodRate), s.config.FloodBurst),
		ctx:     ctx,
		cancel:  cancel,
		host:    host,
		present: make(map[*bridge.Identity]bool),
	}
}

// readLoop feeds parsed lines to the session loop, one at a time. An idle
// connection is pinged once before it is given up.
func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	pinged := false
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if !pinged {
					pinged = true
					c.write(&irc.Message{Command: "PING", Params: []string{c.srv.config.Hostname}})
					continue
				}
				c.kill("Ping timeout")
			}
			if !errors.Is(err, io.EOF) && !c.dead.Load() {
				c.log.Debug("read", "error", err)
			}
			return
		}
		pinged = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		msg, err := irc.ParseMessage(line)
		if err != nil {
			c.log.Debug("unparsable line", "line", line, "error", err)
			continue
		}

		quit := false
		if !c.loop.Call(func() { quit = c.handle(msg) }) || quit {
			return
		}
	}
}

// The cleaners remove what would end or corrupt an IRC line. Prefix parts
// lose spaces too.
var (
	paramCleaner  = strings.NewReplacer("\r", " ", "\n", " ", "\x00", "")
	prefixCleaner = strings.NewReplacer("\r", "", "\n", "", "\x00", "", " ", "")
)

// sanitize returns a copy of m that serializes to exactly one line.
func sanitize(m *irc.Message) *irc.Message {
	out := &irc.Message{Command: paramCleaner.Replace(m.Command), Params: make([]string, len(m.Params))}
	if m.Prefix != nil {
		out.Prefix = &irc.Prefix{
			Name: prefixCleaner.Replace(m.Prefix.Name),
			User: prefixCleaner.Replace(m.Prefix.User),
			Host: prefixCleaner.Replace(m.Prefix.Host),
		}
	}
	for i, p := range m.Params {
		out.Params[i] = paramCleaner.Replace(p)
	}
	return out
}

func (c *Client) write(m *irc.Message) {
	if c.dead.Load() {
		return
	}
	line := sanitize(m).String() + "\r\n"
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
	if _, err := io.WriteString(c.conn, line); err != nil {
		c.log.Debug("write", "error", err)
		c.dead.Store(true)
		c.conn.Close()
		c.cancel()
	}
}

// kill sends ERROR and drops the connection. Safe from any goroutine.
func (c *Client) kill(reason string) {
	c.write(&irc.Message{Command: "ERROR", Params: []string{"Closing link: " + reason}})
	if c.dead.CompareAndSwap(false, true) {
		c.log.Info("closing link", "reason", reason)
		c.conn.Close()
		c.cancel()
	}
}

func (c *Client) serverPrefix() *irc.Prefix {
	return &irc.Prefix{Name: c.srv.config.Hostname}
}

func (c *Client) selfPrefix() *irc.Prefix {
	return &irc.Prefix{Name: c.nick, User: c.user, Host: c.host}
}

func (c *Client) rootPrefix() *irc.Prefix {
	return &irc.Prefix{Name: rootNick, User: rootNick, Host: c.srv.config.Hostname}
}

func identityPrefix(id *bridge.Identity) *irc.Prefix {
	return &irc.Prefix{Name: id.Nick(), User: id.User, Host: id.Host}
}

func (c *Client) target() string {
	if c.nick == "" {
		return "*"
	}
	return c.nick
}

func (c *Client) numeric(code string, params ...string) {
	c.write(&irc.Message{
		Prefix:  c.serverPrefix(),
		Command: code,
		Params:  append([]string{c.target()}, params...),
	})
}

// reply makes root answer a command where it was given.
func (c *Client) reply(text string) {
	to := c.replyTo
	if to == "" || (to == controlChannel && !c.joined) {
		to = c.target()
	}
	for _, line := range strings.Split(text, "\n") {
		c.write(&irc.Message{Prefix: c.rootPrefix(), Command: "PRIVMSG", Params: []string{to, line}})
	}
}

// members returns the identities in the control channel, sorted by nick.
func (c *Client) members() []*bridge.Identity {
	out := make([]*bridge.Identity, 0, len(c.present))
	for id := range c.present {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bridge.FoldNick(out[i].Nick()) < bridge.FoldNick(out[j].Nick()) })
	return out
}

func (c *Client) Self() string    { return c.nick }
func (c *Client) Channel() string { return controlChannel }

func (c *Client) NickTaken(nick string) bool {
	return bridge.EqualNicks(nick, c.nick) || bridge.EqualNicks(nick, rootNick)
}

// AddUser does nothing: contacts become visible when they join.
func (c *Client) AddUser(id *bridge.Identity) {}

func (c *Client) RemoveUser(id *bridge.Identity) {
	if !c.present[id] {
		return
	}
	delete(c.present, id)
	if c.joined {
		c.write(&irc.Message{Prefix: identityPrefix(id), Command: "QUIT", Params: []string{"Leaving..."}})
	}
}

func (c *Client) RenameUser(id *bridge.Identity, oldNick string) {
	if !c.present[id] || !c.joined {
		return
	}
	prefix := identityPrefix(id)
	prefix.Name = oldNick
	c.write(&irc.Message{Prefix: prefix, Command: "NICK", Params: []string{id.Nick()}})
}

func (c *Client) Join(id *bridge.Identity) {
	if c.present[id] {
		return
	}
	c.present[id] = true
	if c.joined {
		c.write(&irc.Message{Prefix: identityPrefix(id), Command: "JOIN", Params: []string{controlChannel}})
	}
}

func (c *Client) Part(id *bridge.Identity) {
	if !c.present[id] {
		return
	}
	delete(c.present, id)
	if c.joined {
		c.write(&irc.Message{Prefix: identityPrefix(id), Command: "PART", Params: []string{controlChannel}})
	}
}

func (c *Client) Send(from *bridge.Identity, command, target, text string) {
	if target == controlChannel && !c.joined {
		target = c.target()
	}
	c.write(&irc.Message{Prefix: identityPrefix(from), Command: command, Params: []string{target, text}})
}

// Notify implements gateway.Frontend.
func (c *Client) Notify(text string) {
	c.write(&irc.Message{Prefix: c.rootPrefix(), Command: "NOTICE", Params: []string{c.target(), text}})
}
