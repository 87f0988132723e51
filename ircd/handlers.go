package ircd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"beegate/bridge"
)

var startTime = time.Now()

// handle runs one client command on the session loop. It reports whether
// the client is gone.
func (c *Client) handle(m *irc.Message) bool {
	cmd := strings.ToUpper(m.Command)
	switch cmd {
	case "PASS":
		c.handlePass(m)
		return false
	case "NICK":
		c.handleNick(m)
		return false
	case "USER":
		c.handleUser(m)
		return false
	case "PING":
		c.handlePing(m)
		return false
	case "PONG":
		return false
	case "CAP":
		c.handleCap(m)
		return false
	case "QUIT":
		reason := "Leaving"
		if len(m.Params) > 0 && m.Params[0] != "" {
			reason = m.Params[0]
		}
		c.kill("Quit: " + reason)
		return true
	}

	if !c.registered {
		c.numeric("451", "You have not registered")
		return false
	}

	switch cmd {
	case "PRIVMSG", "NOTICE":
		c.handlePrivmsg(cmd, m)
	case "JOIN":
		c.handleJoin(m)
	case "PART":
		c.handlePart(m)
	case "MODE":
		c.handleMode(m)
	case "TOPIC":
		c.handleTopic(m)
	case "NAMES":
		c.names()
	case "WHO":
		c.handleWho(m)
	case "WHOIS":
		c.handleWhois(m)
	case "ISON":
		c.handleIson(m)
	case "AWAY":
		c.handleAway(m)
	default:
		c.numeric("421", m.Command, "Unknown command")
	}
	return false
}

func (c *Client) handlePass(m *irc.Message) {
	if c.registered {
		c.numeric("462", "You may not reregister")
		return
	}
	if len(m.Params) < 1 {
		c.numeric("461", "PASS", "Not enough parameters")
		return
	}
	c.pass = m.Params[0]
}

func param(m *irc.Message, i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

func validNick(nick string) bool {
	return nick != "" && bridge.SanitizeNick(nick) == nick
}

func (c *Client) handleNick(m *irc.Message) {
	if len(m.Params) < 1 || m.Params[0] == "" {
		c.numeric("431", "No nickname given")
		return
	}
	nick := m.Params[0]
	if !validNick(nick) {
		c.numeric("432", nick, "Erroneous nickname")
		return
	}
	if !bridge.EqualNicks(nick, c.nick) &&
		(bridge.EqualNicks(nick, rootNick) || c.gw.Bridge.ByNick(nick) != nil) {
		c.numeric("433", nick, "Nickname is already in use")
		return
	}

	if c.registered {
		c.write(&irc.Message{Prefix: c.selfPrefix(), Command: "NICK", Params: []string{nick}})
		c.nick = nick
		return
	}
	c.nick = nick
	c.tryRegister()
}

func (c *Client) handleUser(m *irc.Message) {
	if c.registered {
		c.numeric("462", "You may not reregister")
		return
	}
	if len(m.Params) < 4 {
		c.numeric("461", "USER", "Not enough parameters")
		return
	}
	c.user = m.Params[0]
	c.realname = m.Params[3]
	c.tryRegister()
}

func (c *Client) handlePing(m *irc.Message) {
	token := c.srv.config.Hostname
	if len(m.Params) > 0 {
		token = m.Params[0]
	}
	c.write(&irc.Message{
		Prefix:  c.serverPrefix(),
		Command: "PONG",
		Params:  []string{c.srv.config.Hostname, token},
	})
}

// handleCap answers capability negotiation with an empty list.
func (c *Client) handleCap(m *irc.Message) {
	if len(m.Params) < 1 {
		return
	}
	switch strings.ToUpper(m.Params[0]) {
	case "LS", "LIST":
		c.write(&irc.Message{Prefix: c.serverPrefix(), Command: "CAP", Params: []string{c.target(), strings.ToUpper(m.Params[0]), ""}})
	case "REQ":
		c.write(&irc.Message{Prefix: c.serverPrefix(), Command: "CAP", Params: []string{c.target(), "NAK", param(m, len(m.Params)-1)}})
	}
}

func (c *Client) tryRegister() {
	if c.registered || c.nick == "" || c.user == "" {
		return
	}
	c.registered = true
	c.log.Info("client registered", "nick", c.nick, "user", c.user)

	host := c.srv.config.Hostname
	c.numeric("001", "Welcome to the beegate IRC gateway, "+c.nick)
	c.numeric("002", "Your host is "+host+", running beegate")
	c.numeric("003", "This server was created "+startTime.Format(time.RFC1123))
	c.numeric("004", host, "beegate", "aw", "nt")
	c.numeric("375", "- "+host+" Message Of The Day -")
	c.numeric("372", "- This is beegate, an IRC gateway to instant messaging networks.")
	c.numeric("372", "- Talk to root in "+controlChannel+", type help to get started.")
	c.numeric("376", "End of /MOTD command")

	c.joinControl()
	c.reply("Welcome to beegate! Type help for a list of commands.")

	if c.pass != "" && c.srv.store != nil {
		c.identify(c.pass)
		c.pass = ""
	}
}

func (c *Client) joinControl() {
	if c.joined {
		return
	}
	c.joined = true
	c.write(&irc.Message{Prefix: c.selfPrefix(), Command: "JOIN", Params: []string{controlChannel}})
	c.numeric("332", controlChannel, "beegate control channel")
	c.names()
}

func (c *Client) names() {
	names := []string{"@" + rootNick, c.nick}
	for _, id := range c.members() {
		names = append(names, id.Nick())
	}
	if c.joined {
		c.numeric("353", "=", controlChannel, strings.Join(names, " "))
	}
	c.numeric("366", controlChannel, "End of /NAMES list")
}

func (c *Client) handlePrivmsg(cmd string, m *irc.Message) {
	if len(m.Params) < 1 {
		c.numeric("411", "No recipient given ("+cmd+")")
		return
	}
	if len(m.Params) < 2 || m.Params[1] == "" {
		c.numeric("412", "No text to send")
		return
	}
	target, text := m.Params[0], m.Params[1]

	switch {
	case strings.EqualFold(target, controlChannel):
		c.channelMessage(cmd, text)
	case bridge.EqualNicks(target, rootNick):
		if cmd == "PRIVMSG" {
			c.replyTo = c.nick
			c.command(text)
		}
	default:
		id := c.gw.Bridge.ByNick(target)
		if id == nil {
			if cmd == "PRIVMSG" {
				c.numeric("401", target, "No such nick/channel")
			}
			return
		}
		c.sendTo(cmd, id, text)
	}
}

// channelMessage handles a line said in the control channel. Lines
// addressed to a contact ("nick: text") go to that contact, the rest are
// commands for root.
func (c *Client) channelMessage(cmd, text string) {
	if i := strings.IndexAny(text, ":,"); i > 0 {
		to, rest := text[:i], strings.TrimLeft(text[i+1:], " ")
		if bridge.EqualNicks(to, rootNick) {
			text = rest
		} else if id := c.gw.Bridge.ByNick(to); id != nil && rest != "" {
			c.sendTo(cmd, id, rest)
			return
		}
	}
	if cmd == "PRIVMSG" {
		c.replyTo = controlChannel
		c.command(text)
	}
}

func (c *Client) sendTo(cmd string, id *bridge.Identity, text string) {
	if inner, ok := strings.CutPrefix(text, "\x01ACTION "); ok {
		text = "/me " + strings.TrimSuffix(inner, "\x01")
	} else if strings.HasPrefix(text, "\x01") {
		return
	}
	if !c.gw.SendMessage(id, text) && cmd == "PRIVMSG" {
		c.Notify(fmt.Sprintf("Message to %s not sent: contact or account is offline", id.Nick()))
	}
}

func (c *Client) handleJoin(m *irc.Message) {
	if len(m.Params) < 1 {
		c.numeric("461", "JOIN", "Not enough parameters")
		return
	}
	for _, ch := range strings.Split(m.Params[0], ",") {
		switch {
		case ch == "0":
			c.partControl("Leaving")
		case strings.EqualFold(ch, controlChannel):
			c.joinControl()
		default:
			c.numeric("403", ch, "No such channel")
		}
	}
}

func (c *Client) handlePart(m *irc.Message) {
	if len(m.Params) < 1 {
		c.numeric("461", "PART", "Not enough parameters")
		return
	}
	reason := ""
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}
	for _, ch := range strings.Split(m.Params[0], ",") {
		if !strings.EqualFold(ch, controlChannel) || !c.joined {
			c.numeric("442", ch, "You're not on that channel")
			continue
		}
		c.partControl(reason)
	}
}

func (c *Client) partControl(reason string) {
	if !c.joined {
		return
	}
	params := []string{controlChannel}
	if reason != "" {
		params = append(params, reason)
	}
	c.write(&irc.Message{Prefix: c.selfPrefix(), Command: "PART", Params: params})
	c.joined = false
}

func (c *Client) handleMode(m *irc.Message) {
	if len(m.Params) < 1 {
		c.numeric("461", "MODE", "Not enough parameters")
		return
	}
	target := m.Params[0]
	switch {
	case strings.EqualFold(target, controlChannel):
		if len(m.Params) == 1 {
			c.numeric("324", controlChannel, "+t")
		}
	case bridge.EqualNicks(target, c.nick):
		c.numeric("221", "+")
	default:
		c.numeric("401", target, "No such nick/channel")
	}
}

func (c *Client) handleTopic(m *irc.Message) {
	if len(m.Params) < 1 || !strings.EqualFold(m.Params[0], controlChannel) {
		c.numeric("403", param(m, 0), "No such channel")
		return
	}
	c.numeric("332", controlChannel, "beegate control channel")
}

func (c *Client) whoRow(channel, user, host, nick string, away bool, realname string) {
	flag := "H"
	if away {
		flag = "G"
	}
	c.numeric("352", channel, user, host, c.srv.config.Hostname, nick, flag, "0 "+realname)
}

func (c *Client) handleWho(m *irc.Message) {
	mask := controlChannel
	if len(m.Params) > 0 && m.Params[0] != "" {
		mask = m.Params[0]
	}
	host := c.srv.config.Hostname

	switch {
	case strings.EqualFold(mask, controlChannel):
		c.whoRow(controlChannel, rootNick, host, rootNick, false, "beegate control user")
		c.whoRow(controlChannel, c.user, c.host, c.nick, c.away != "", c.realname)
		for _, id := range c.members() {
			away, _ := id.Away()
			c.whoRow(controlChannel, id.User, id.Host, id.Nick(), away, id.FullName)
		}
	case bridge.EqualNicks(mask, rootNick):
		c.whoRow("*", rootNick, host, rootNick, false, "beegate control user")
	case bridge.EqualNicks(mask, c.nick):
		c.whoRow("*", c.user, c.host, c.nick, c.away != "", c.realname)
	default:
		if id := c.gw.Bridge.ByNick(mask); id != nil {
			away, _ := id.Away()
			c.whoRow("*", id.User, id.Host, id.Nick(), away, id.FullName)
		}
	}
	c.numeric("315", mask, "End of /WHO list")
}

func (c *Client) handleWhois(m *irc.Message) {
	if len(m.Params) < 1 {
		c.numeric("431", "No nickname given")
		return
	}
	nick := m.Params[len(m.Params)-1]
	host := c.srv.config.Hostname

	switch {
	case bridge.EqualNicks(nick, rootNick):
		c.numeric("311", rootNick, rootNick, host, "*", "beegate control user")
		c.numeric("312", rootNick, host, "beegate")
	case bridge.EqualNicks(nick, c.nick):
		c.numeric("311", c.nick, c.user, c.host, "*", c.realname)
		c.numeric("312", c.nick, host, "beegate")
		if c.away != "" {
			c.numeric("301", c.nick, c.away)
		}
	default:
		id := c.gw.Bridge.ByNick(nick)
		if id == nil {
			c.numeric("401", nick, "No such nick/channel")
			break
		}
		c.whoisIdentity(id)
	}
	c.numeric("318", nick, "End of /WHOIS list")
}

func (c *Client) whoisIdentity(id *bridge.Identity) {
	nick := id.Nick()
	c.numeric("311", nick, id.User, id.Host, "*", id.FullName)
	c.numeric("312", nick, c.srv.config.Hostname, fmt.Sprintf("%s network (%s)", id.Account.ProtocolName(), id.Account.Tag))

	contact := id.Contact()
	switch away, msg := id.Away(); {
	case contact == nil || !contact.Online():
		c.numeric("301", nick, "User is offline")
	case away:
		if msg == "" {
			msg = "Away"
		}
		c.numeric("301", nick, msg)
	}
	if contact != nil {
		if last := contact.MostRecent(); !last.IsZero() {
			idle := int64(time.Since(last).Seconds())
			c.numeric("317", nick, strconv.FormatInt(idle, 10), "seconds idle")
		}
	}
}

func (c *Client) handleIson(m *irc.Message) {
	var on []string
	for _, p := range m.Params {
		for _, nick := range strings.Fields(p) {
			switch {
			case bridge.EqualNicks(nick, rootNick), bridge.EqualNicks(nick, c.nick):
				on = append(on, nick)
			default:
				if id := c.gw.Bridge.ByNick(nick); id != nil && id.Contact() != nil && id.Contact().Online() {
					on = append(on, id.Nick())
				}
			}
		}
	}
	c.numeric("303", strings.Join(on, " "))
}

func (c *Client) handleAway(m *irc.Message) {
	if len(m.Params) > 0 && m.Params[0] != "" {
		c.away = m.Params[0]
		c.numeric("306", "You have been marked as being away")
		return
	}
	c.away = ""
	c.numeric("305", "You are no longer marked as being away")
}
