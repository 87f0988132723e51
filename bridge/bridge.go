// Package bridge projects the contacts of every backend account onto IRC
// users, and carries messages between the two sides.
package bridge

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"beegate/account"
	"beegate/obs"
	"beegate/presence"
)

// IRC is what the bridge needs from the IRC side of a session.
type IRC interface {
	// Self is the nick of the IRC user this session serves.
	Self() string
	// Channel is the shared channel contacts join while online.
	Channel() string
	// NickTaken reports nicks in use by anything other than a contact.
	NickTaken(nick string) bool
	AddUser(id *Identity)
	RemoveUser(id *Identity)
	RenameUser(id *Identity, oldNick string)
	Join(id *Identity)
	Part(id *Identity)
	// Send delivers one line from id to target. command is PRIVMSG or
	// NOTICE.
	Send(from *Identity, command, target, text string)
}

// Identity is the IRC user standing in for one contact.
type Identity struct {
	User     string
	Host     string
	FullName string
	Private  bool
	Account  *account.Account

	nick        string
	away        bool
	awayMessage string
	contact     *presence.Contact
}

func (id *Identity) Nick() string { return id.nick }

// Contact returns the linked contact, nil once it is gone.
func (id *Identity) Contact() *presence.Contact { return id.contact }

func (id *Identity) Mask() string {
	return id.nick + "!" + id.User + "@" + id.Host
}

func (id *Identity) Away() (bool, string) { return id.away, id.awayMessage }

// Bridge is not safe for concurrent use; it lives on the session event
// loop together with the directories it observes.
type Bridge struct {
	irc        IRC
	log        *slog.Logger
	identities map[string]*Identity
	now        func() time.Time
}

func New(irc IRC, log *slog.Logger) *Bridge {
	return &Bridge{
		irc:        irc,
		log:        log.With("component", "bridge"),
		identities: make(map[string]*Identity),
		now:        time.Now,
	}
}

type observer struct {
	b   *Bridge
	acc *account.Account
}

func (o observer) ContactCreated(c *presence.Contact) { o.b.OnContactCreated(o.acc, c) }
func (o observer) ContactRemoved(c *presence.Contact) { o.b.OnContactRemoved(c) }

// Attach makes the bridge follow the directory of acc.
func (b *Bridge) Attach(acc *account.Account) {
	acc.Directory.SetObserver(observer{b: b, acc: acc})
}

func (b *Bridge) Len() int { return len(b.identities) }

func (b *Bridge) ByNick(nick string) *Identity {
	return b.identities[FoldNick(nick)]
}

// Identities returns the identities of acc, or all of them for a nil acc,
// sorted by nick.
func (b *Bridge) Identities(acc *account.Account) []*Identity {
	var out []*Identity
	for _, id := range b.identities {
		if acc == nil || id.Account == acc {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return FoldNick(out[i].nick) < FoldNick(out[j].nick) })
	return out
}

// IdentityOf returns the identity linked to c, if any.
func IdentityOf(c *presence.Contact) *Identity {
	if c == nil {
		return nil
	}
	id, _ := c.Identity().(*Identity)
	return id
}

func userHost(address, server, protocol string) (user, host string) {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i], address[i+1:]
	}
	if server != "" {
		return strings.ReplaceAll(address, " ", "_"), server
	}
	return address, protocol
}

func (b *Bridge) taken(nick string) bool {
	if _, ok := b.identities[FoldNick(nick)]; ok {
		return true
	}
	return b.irc.NickTaken(nick)
}

func (b *Bridge) uniqueNick(base string) string {
	if base == "" {
		base = "user"
	}
	nick := base
	for i := 1; b.taken(nick); i++ {
		if len(nick) < MaxNickLength {
			nick += "_"
			continue
		}
		suffix := strconv.Itoa(i)
		nick = base[:min(len(base), MaxNickLength-len(suffix))] + suffix
	}
	return nick
}

// OnContactCreated creates the IRC user for a new contact and links the two.
func (b *Bridge) OnContactCreated(acc *account.Account, c *presence.Contact) *Identity {
	id := &Identity{
		Account:  acc,
		FullName: c.Address,
		Private:  acc.Settings.Bool(account.SetPrivate),
		contact:  c,
	}
	id.User, id.Host = userHost(c.Address, acc.Server, acc.ProtocolName())
	id.nick = b.uniqueNick(NickFromHandle(c.Address))

	b.identities[FoldNick(id.nick)] = id
	c.Link(id)
	b.irc.AddUser(id)
	obs.Contacts.Inc()

	b.log.Debug("contact linked", "account", acc.Tag, "address", c.Address, "nick", id.nick)
	return id
}

// OnContactRemoved destroys the IRC user of c. Contacts without one are
// ignored.
func (b *Bridge) OnContactRemoved(c *presence.Contact) {
	id := IdentityOf(c)
	if id == nil {
		return
	}
	id.contact = nil
	c.Unlink()
	delete(b.identities, FoldNick(id.nick))
	b.irc.RemoveUser(id)
	obs.Contacts.Dec()

	b.log.Debug("contact unlinked", "address", c.Address, "nick", id.nick)
}

// OnStatusChanged joins or parts the contact's identity when the online bit
// flips. Everything else is only recorded.
func (b *Bridge) OnStatusChanged(c *presence.Contact, prev presence.Flags) {
	id := IdentityOf(c)
	if id == nil {
		return
	}
	id.away = c.Away()
	id.awayMessage = c.StatusMessage

	if (c.Flags^prev)&presence.FlagOnline == 0 {
		return
	}
	if c.Online() {
		b.irc.Join(id)
	} else {
		b.irc.Part(id)
	}
}

// OnMessage shows an incoming message. Private identities talk to the user
// directly; the others speak in the shared channel, addressing the line with
// their nick and the account's to_char.
func (b *Bridge) OnMessage(c *presence.Contact, text string, sentAt time.Time) bool {
	id := IdentityOf(c)
	if id == nil {
		return false
	}

	target := b.irc.Self()
	prefix := ""
	if !id.Private {
		target = b.irc.Channel()
		prefix = id.nick + id.Account.Settings.Get(account.SetToChar)
		if !strings.HasSuffix(prefix, " ") {
			prefix += " "
		}
	}
	if !sentAt.IsZero() && b.now().Sub(sentAt) > time.Minute {
		prefix += sentAt.Local().Format("[2006-01-02 15:04:05] ")
	}

	for _, line := range Lines(text, WrapWidth) {
		b.irc.Send(id, "PRIVMSG", target, prefix+line)
	}
	obs.Messages.WithLabelValues("in").Inc()
	return true
}

// OnNameChanged records a new display name, announces it when asked to and
// passes a nick hint on according to nick_source.
func (b *Bridge) OnNameChanged(c *presence.Contact, fullName string) {
	id := IdentityOf(c)
	if id == nil {
		return
	}
	name := SanitizeName(fullName)
	c.FullName = name
	id.FullName = name

	settings := id.Account.Settings
	if c.Online() && settings.Bool(account.SetDisplayNameChanges) {
		b.irc.Send(id, "NOTICE", b.irc.Self(), fmt.Sprintf("<< Changed name to `%s' >>", name))
	}

	switch settings.Get(account.SetNickSource) {
	case "full_name":
		b.NickHint(id, name)
	case "first_name":
		b.NickHint(id, FirstName(name))
	}
}

// NickHint renames id after hint. Users already visible in the channel keep
// their nick.
func (b *Bridge) NickHint(id *Identity, hint string) {
	nick := SanitizeNick(hint)
	if nick == "" || FoldNick(nick) == FoldNick(id.nick) {
		return
	}
	if id.contact != nil && id.contact.Online() {
		return
	}
	b.Rename(id, nick)
}

// Rename changes the nick of id, making it unique first.
func (b *Bridge) Rename(id *Identity, nick string) string {
	old := id.nick
	delete(b.identities, FoldNick(old))
	id.nick = b.uniqueNick(nick)
	b.identities[FoldNick(id.nick)] = id
	if id.nick != old {
		b.irc.RenameUser(id, old)
	}
	return id.nick
}

// OnOutgoingMessage hands a message the IRC user wrote to id to the
// backend. Identities without a contact, and accounts that are not online,
// refuse it.
func (b *Bridge) OnOutgoingMessage(id *Identity, text string) bool {
	if id == nil || id.contact == nil || id.Account == nil {
		return false
	}
	acc := id.Account
	if !acc.Online() || acc.Backend == nil {
		return false
	}
	if err := acc.Backend.SendMessage(id.contact.Address, text); err != nil {
		b.log.Warn("send failed", "account", acc.Tag, "to", id.contact.Address, "error", err)
		return false
	}
	obs.Messages.WithLabelValues("out").Inc()
	return true
}
