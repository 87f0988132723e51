// Package msim connects accounts to msim servers. It registers itself as the
// "msim" protocol.
package msim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"beegate/account"
	"beegate/backend"
	"beegate/bridge"
	"beegate/filetransfer"
	"beegate/obs"
	"beegate/presence"
	"beegate/protocol"
)

const (
	Protocol      = "msim"
	DefaultServer = "localhost:3215"
)

var ErrFailed = errors.New("request failed")

func init() {
	backend.Register(Protocol, New)
}

// Backend is one logged-in msim session. Apart from Login, its methods run
// on the session loop.
type Backend struct {
	acc *account.Account
	env backend.Env
	log *slog.Logger

	dial dialFunc
	conn *conn

	// Tokens of requests in flight, by operation. msim replies carry no
	// id, so each reply answers the oldest request of its operation. Swept
	// tokens stay queued until their late reply pops them as orphaned.
	queues   map[string][]string
	roster   map[string]string
	files    map[string]filetransfer.Handle
	lastPong time.Time
}

func New(acc *account.Account, env backend.Env) (account.Backend, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	return &Backend{
		acc:    acc,
		env:    env,
		log:    env.Log.With("account", acc.Tag, "protocol", Protocol),
		dial:   d.DialContext,
		queues: make(map[string][]string),
		roster: make(map[string]string),
		files:  make(map[string]filetransfer.Handle),
	}, nil
}

func (b *Backend) Name() string { return Protocol }

func (b *Backend) server() string {
	if b.acc.Server != "" {
		return b.acc.Server
	}
	return DefaultServer
}

// Login authenticates and loads the roster with presence. It blocks until
// both are in, the server refuses, or ctx ends.
func (b *Backend) Login(ctx context.Context) error {
	c, err := b.dial(ctx, "tcp", b.server())
	if err != nil {
		return fmt.Errorf("connect %s: %w", b.server(), err)
	}
	cn := newConn(c)
	if !b.env.Post(func() { b.conn = cn }) {
		c.Close()
		return ErrNotConnected
	}
	go cn.readLoop(b.received, b.lost, func(line string, err error) {
		b.log.Debug("unparsable line", "line", line, "error", err)
	})

	steps := []func(chan<- error){
		func(done chan<- error) {
			b.request(protocol.TypeAuth, func(r account.Reply) { done <- r.Err }, b.acc.Handle, b.acc.Password)
		},
		b.fetchRoster,
	}
	for _, step := range steps {
		done := make(chan error, 1)
		posted := b.env.Post(func() {
			if b.acc.Backend != account.Backend(b) {
				done <- ErrNotConnected
				return
			}
			step(done)
		})
		if !posted {
			cn.close()
			return ErrNotConnected
		}
		select {
		case err := <-done:
			if err != nil {
				cn.close()
				return err
			}
		case <-cn.done:
			return ErrNotConnected
		case <-ctx.Done():
			cn.close()
			return ctx.Err()
		}
	}

	b.env.Post(func() { b.lastPong = time.Now() })
	go b.keepalive(cn)
	return nil
}

func (b *Backend) fetchRoster(done chan<- error) {
	b.request(protocol.TypeList, func(r account.Reply) {
		if r.Err != nil {
			done <- r.Err
			return
		}
		for _, c := range protocol.ParseContacts(first(r.Fields)) {
			b.addContact(c.ID, c.Nick, "")
		}
		b.request(protocol.TypeStat, func(r account.Reply) {
			if r.Err == nil {
				b.applyStatuses(first(r.Fields))
			}
			done <- r.Err
		})
	})
}

// addContact records a roster entry. The server-side nick is the contact's
// display name; nick_source decides whether it also renames the IRC user.
// A nick the IRC user chose in "add" is applied either way.
func (b *Backend) addContact(id, name, chosen string) {
	b.roster[presence.Normalize(id)] = name
	r, err := b.acc.Directory.AddResource(id)
	if err != nil {
		if !errors.Is(err, presence.ErrDuplicate) {
			b.log.Warn("add contact", "id", id, "error", err)
		}
		return
	}
	c := r.Contact()
	if name != "" {
		b.env.Bridge.OnNameChanged(c, name)
	}
	if ident := bridge.IdentityOf(c); ident != nil && chosen != "" {
		b.env.Bridge.NickHint(ident, chosen)
	}
}

func first(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (b *Backend) applyStatuses(raw string) {
	for _, s := range protocol.ParseStatuses(raw) {
		b.setOnline(s.UserID, s.Online)
	}
}

func (b *Backend) setOnline(id string, online bool) {
	c := b.acc.Directory.Contact(id)
	if c == nil {
		return
	}
	var flags presence.Flags
	if online {
		flags = presence.FlagOnline
		for _, r := range c.Resources() {
			r.Touch(time.Now())
		}
	}
	prev := c.SetStatus(flags, "")
	b.env.Bridge.OnStatusChanged(c, prev)
}

// Logout says goodbye and drops whatever is still unanswered.
func (b *Backend) Logout() error {
	if b.conn == nil {
		return ErrNotConnected
	}
	_ = b.conn.send(protocol.TypeBye)
	for op, q := range b.queues {
		for _, tok := range q {
			_, _ = b.acc.Requests.Resolve(tok)
		}
		delete(b.queues, op)
	}
	return b.conn.close()
}

func (b *Backend) SendMessage(handle, text string) error {
	return b.request(protocol.TypeMsg, func(r account.Reply) {
		if r.Err != nil {
			b.env.Events.Notice(b.acc, fmt.Sprintf("Message to %s not delivered: %v", handle, r.Err))
			return
		}
		b.env.Events.Transcript(b.acc, handle, "out", text, time.Now())
	}, handle, text)
}

func (b *Backend) AddContact(handle, nick string) error {
	fields := []string{handle}
	if nick != "" {
		fields = append(fields, nick)
	}
	return b.request(protocol.TypeAdd, func(r account.Reply) {
		if r.Err != nil {
			b.env.Events.Notice(b.acc, fmt.Sprintf("Adding %s failed: %v", handle, r.Err))
			return
		}
		b.addContact(handle, nick, nick)
		b.request(protocol.TypeStat, func(r account.Reply) {
			if r.Err == nil {
				b.applyStatuses(first(r.Fields))
			}
		}, handle)
	}, fields...)
}

func (b *Backend) RemoveContact(handle string) error {
	return b.request(protocol.TypeDel, func(r account.Reply) {
		if r.Err != nil {
			b.env.Events.Notice(b.acc, fmt.Sprintf("Removing %s failed: %v", handle, r.Err))
			return
		}
		delete(b.roster, presence.Normalize(handle))
		if err := b.acc.Directory.RemoveContact(handle); err != nil && !errors.Is(err, presence.ErrNotFound) {
			b.log.Warn("remove contact", "handle", handle, "error", err)
		}
	}, handle)
}

// RenameContact changes the server-side nick of handle.
func (b *Backend) RenameContact(handle, nick string) error {
	return b.request(protocol.TypeRen, func(r account.Reply) {
		if r.Err != nil {
			b.env.Events.Notice(b.acc, fmt.Sprintf("Renaming %s failed: %v", handle, r.Err))
			return
		}
		b.roster[presence.Normalize(handle)] = nick
		if c := b.acc.Directory.Contact(handle); c != nil {
			b.env.Bridge.OnNameChanged(c, nick)
		}
	}, handle, nick)
}

func (b *Backend) ContactKnown(handle string) bool {
	_, ok := b.roster[presence.Normalize(handle)]
	return ok
}

// request registers cont with the account correlator and sends the packet.
// A packet that cannot be written resolves cont right away.
func (b *Backend) request(op string, cont account.Continuation, fields ...string) error {
	if b.conn == nil {
		return ErrNotConnected
	}
	tok := b.acc.Requests.Issue(cont)
	if err := b.conn.send(op, fields...); err != nil {
		_, _ = b.acc.Requests.Resolve(tok)
		cont(account.Reply{Err: err})
		return err
	}
	b.queues[op] = append(b.queues[op], tok)
	return nil
}

func (b *Backend) resolve(op string, reply account.Reply) {
	q := b.queues[op]
	if len(q) == 0 {
		b.orphaned(op)
		return
	}
	tok := q[0]
	b.queues[op] = q[1:]
	cont, err := b.acc.Requests.Resolve(tok)
	if err != nil {
		b.orphaned(op)
		return
	}
	cont(reply)
}

func (b *Backend) orphaned(op string) {
	obs.RepliesOrphaned.Inc()
	b.log.Debug("reply without request", "op", op)
}

// received posts pkt to the loop. It runs on the reader goroutine.
func (b *Backend) received(pkt *protocol.Packet) {
	b.env.Post(func() {
		if b.acc.Backend != account.Backend(b) {
			return
		}
		b.handle(pkt)
	})
}

func (b *Backend) lost(err error) {
	b.env.Post(func() {
		if b.acc.Backend != account.Backend(b) {
			return
		}
		b.env.Events.Disconnected(b.acc, err)
	})
}

func (b *Backend) handle(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeOk:
		if len(pkt.Fields) == 0 {
			b.orphaned("")
			return
		}
		b.resolve(pkt.Fields[0], account.Reply{Fields: pkt.Fields[1:]})
	case protocol.TypeFail:
		op, desc := pkt.Field(0), pkt.Field(1)
		if len(pkt.Fields) < 2 {
			op, desc = "", pkt.Field(0)
		}
		b.resolve(op, account.Reply{Err: fmt.Errorf("%w: %s", ErrFailed, desc)})
	case protocol.TypeList, protocol.TypeStat:
		b.resolve(pkt.Type, account.Reply{Fields: []string{pkt.Raw}})
	case protocol.TypePong:
		b.lastPong = time.Now()
	case protocol.TypeMsg:
		b.onMessage(pkt.Field(0), pkt.Field(1), pkt.Field(2))
	case protocol.TypeOn, protocol.TypeOff:
		b.setOnline(pkt.Field(0), pkt.Type == protocol.TypeOn)
	case protocol.TypeAck:
		b.log.Debug("delivered", "to", pkt.Field(0), "at", pkt.Field(1))
	case protocol.TypeFsnd:
		b.onFileOffer(pkt)
	case protocol.TypeFcan, protocol.TypeFdec:
		b.onFileCancel(pkt)
	case protocol.TypeBye:
		b.conn.close()
		b.env.Events.Disconnected(b.acc, fmt.Errorf("server closed the session: %s", pkt.Field(0)))
	default:
		b.log.Debug("unhandled packet", "type", pkt.Type)
	}
}

func (b *Backend) onMessage(sender, text, stamp string) {
	at, err := time.Parse(protocol.TimeLayout, stamp)
	if err != nil {
		at = time.Now()
	}

	r := b.acc.Directory.Find(sender, presence.FindCreate)
	if r == nil {
		if r, err = b.acc.Directory.AddResource(sender); err != nil {
			b.log.Warn("message from unusable sender", "sender", sender, "error", err)
			return
		}
	}
	r.Touch(time.Now())

	b.env.Bridge.OnMessage(r.Contact(), text, at)
	b.env.Events.Transcript(b.acc, r.Contact().Address, "in", text, at)

	b.request(protocol.TypeAck, func(r account.Reply) {
		if r.Err != nil {
			b.log.Debug("ack refused", "sender", sender, "error", r.Err)
		}
	}, sender, stamp)
}

func (b *Backend) keepalive(c *conn) {
	t := time.NewTicker(b.env.Keepalive)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			b.env.Post(func() {
				if b.acc.Backend == account.Backend(b) && b.conn == c {
					b.tick()
				}
			})
		}
	}
}

// tick is one keepalive cycle: age out unanswered requests, drop stalled
// transfers, check the server still answers and ping it.
func (b *Backend) tick() {
	if n := b.acc.Sweep(); n > 0 {
		b.log.Debug("requests expired", "count", n)
	}
	b.env.Transfers.CleanExpired()

	if time.Since(b.lastPong) > 3*b.env.Keepalive {
		b.conn.close()
		b.env.Events.Disconnected(b.acc, errors.New("ping timeout"))
		return
	}
	if err := b.conn.send(protocol.TypePing); err != nil {
		b.log.Debug("ping", "error", err)
	}
}
