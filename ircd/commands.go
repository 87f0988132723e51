package ircd

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"beegate/account"
	"beegate/backend"
	"beegate/bridge"
	"beegate/db"
	"beegate/filetransfer"
	"beegate/gateway"
)

type command struct {
	name  string
	usage string
	help  string
	args  int
	run   func(c *Client, args []string)
}

var commands []command

func init() {
	commands = []command{
		{"help", "help [command]", "Show this list, or the usage of one command.", 0, cmdHelp},
		{"register", "register <password>", "Store your accounts and settings under your current nick.", 1, cmdRegister},
		{"identify", "identify <password>", "Load the accounts and settings stored for your nick.", 1, cmdIdentify},
		{"passwd", "passwd <new password>", "Change the password of your registered nick.", 1, cmdPasswd},
		{"drop", "drop <password>", "Delete your registration and everything stored with it.", 1, cmdDrop},
		{"account", "account add <protocol> <handle> <password> [server] | del <acc> | list | on [acc] | off [acc]", "Manage IM accounts.", 1, cmdAccount},
		{"set", "set <acc> [key [value]] | set -del <acc> <key>", "Show or change account settings.", 1, cmdSet},
		{"add", "add <acc> <handle> [nick]", "Add a contact to an account's contact list.", 2, cmdAdd},
		{"remove", "remove <nick>", "Remove a contact from its account's contact list.", 1, cmdRemove},
		{"rename", "rename <nick> <new nick>", "Give a contact another nick.", 2, cmdRename},
		{"blist", "blist [all|online|offline|away]", "List contacts.", 0, cmdBlist},
		{"history", "history <nick> [count] | history -clear <nick>", "Show or forget the stored conversation with a contact.", 1, cmdHistory},
		{"transfers", "transfers", "List file transfers.", 0, cmdTransfers},
		{"transfer", "transfer cancel <id>", "Cancel a file transfer.", 2, cmdTransfer},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if strings.EqualFold(cmd.name, name) {
			return cmd, true
		}
	}
	return command{}, false
}

// command runs one line the user sent to root.
func (c *Client) command(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	cmd, ok := lookupCommand(args[0])
	if !ok {
		c.reply(fmt.Sprintf("Unknown command: %s. Please use help for a list of commands.", args[0]))
		return
	}
	if len(args)-1 < cmd.args {
		c.reply("Not enough parameters given (need " + fmt.Sprint(cmd.args) + "). Usage: " + cmd.usage)
		return
	}
	c.log.Debug("root command", "command", cmd.name)
	cmd.run(c, args[1:])
}

func cmdHelp(c *Client, args []string) {
	if len(args) > 0 {
		cmd, ok := lookupCommand(args[0])
		if !ok {
			c.reply("No help available on " + args[0])
			return
		}
		c.reply(cmd.usage + "\n" + cmd.help)
		return
	}
	lines := []string{"Commands:"}
	for _, cmd := range commands {
		lines = append(lines, fmt.Sprintf("  %-10s %s", cmd.name, cmd.help))
	}
	c.reply(strings.Join(lines, "\n"))
}

func cmdRegister(c *Client, args []string) {
	err := c.gw.Register(c.nick, args[0])
	switch {
	case errors.Is(err, db.ErrUserExists):
		c.reply("This nick is already registered. Please identify instead.")
	case err != nil:
		c.reply("Registration failed: " + err.Error())
	default:
		c.reply("Account successfully created")
	}
}

func cmdIdentify(c *Client, args []string) {
	c.identify(args[0])
}

func (c *Client) identify(password string) {
	if c.gw.Owner() != "" {
		c.reply("You're already logged in.")
		return
	}
	err := c.gw.Identify(c.nick, password)
	switch {
	case errors.Is(err, gateway.ErrBadPassword), errors.Is(err, db.ErrNoRows):
		c.reply("Incorrect password")
	case err != nil:
		c.reply("Identification failed: " + err.Error())
	default:
		c.reply("Password accepted, settings and accounts loaded")
	}
}

func cmdPasswd(c *Client, args []string) {
	err := c.gw.ChangePassword(args[0])
	switch {
	case errors.Is(err, gateway.ErrNotIdentified):
		c.reply("You have to identify first.")
	case err != nil:
		c.reply("Could not change password: " + err.Error())
	default:
		c.reply("Password successfully changed")
	}
}

func cmdDrop(c *Client, args []string) {
	err := c.gw.Drop(c.nick, args[0])
	switch {
	case errors.Is(err, gateway.ErrBadPassword), errors.Is(err, db.ErrNoRows):
		c.reply("Incorrect password")
	case err != nil:
		c.reply("Could not drop: " + err.Error())
	default:
		c.reply("Your settings for account " + c.nick + " have been deleted")
	}
}

func cmdAccount(c *Client, args []string) {
	sub, args := strings.ToLower(args[0]), args[1:]
	switch sub {
	case "add":
		if len(args) < 3 {
			c.reply("Not enough parameters given. Usage: account add <protocol> <handle> <password> [server]")
			return
		}
		server := ""
		if len(args) > 3 {
			server = args[3]
		}
		acc, err := c.gw.AddAccount(strings.ToLower(args[0]), args[1], args[2], server, "")
		if errors.Is(err, backend.ErrUnknownProtocol) {
			c.reply(fmt.Sprintf("Unknown protocol: %s. Known: %s", args[0], strings.Join(backend.Protocols(), ", ")))
			return
		}
		if err != nil {
			c.reply("Could not add account: " + err.Error())
			return
		}
		c.reply("Account successfully added with tag " + acc.Tag)

	case "del":
		if len(args) < 1 {
			c.reply("Usage: account del <acc>")
			return
		}
		if err := c.gw.RemoveAccount(args[0]); err != nil {
			c.reply("Could not remove account: " + err.Error())
			return
		}
		c.reply("Account deleted")

	case "list":
		accs := c.gw.Accounts()
		lines := make([]string, 0, len(accs)+1)
		for i, a := range accs {
			lines = append(lines, fmt.Sprintf("%2d (%s): %s, %s (%s)", i, a.Tag, a.Protocol, a.Handle, a.State))
		}
		lines = append(lines, "End of account list")
		c.reply(strings.Join(lines, "\n"))

	case "on", "off":
		targets := c.gw.Accounts()
		if len(args) > 0 {
			acc, err := c.gw.Account(args[0])
			if err != nil {
				c.reply(err.Error())
				return
			}
			targets = []*account.Account{acc}
		} else if sub == "on" {
			c.reply("Trying to get all accounts connected...")
		} else {
			c.reply("Deactivating all active accounts...")
		}
		for _, acc := range targets {
			var err error
			switch {
			case sub == "on" && acc.State == account.Offline:
				err = c.gw.Connect(acc)
			case sub == "off" && acc.State != account.Offline:
				err = c.gw.Disconnect(acc)
			case len(args) > 0:
				err = fmt.Errorf("account %s is already %s", acc.Tag, acc.State)
			}
			if err != nil {
				c.reply(err.Error())
			}
		}

	default:
		c.reply("Unknown account subcommand: " + sub)
	}
}

func cmdSet(c *Client, args []string) {
	if args[0] == "-del" {
		if len(args) < 3 {
			c.reply("Usage: set -del <acc> <key>")
			return
		}
		acc, err := c.gw.Account(args[1])
		if err != nil {
			c.reply(err.Error())
			return
		}
		if err := c.gw.Reset(acc, args[2]); err != nil {
			c.reply(err.Error())
			return
		}
		c.reply(fmt.Sprintf("%s = `%s'", args[2], acc.Settings.Get(args[2])))
		return
	}

	acc, err := c.gw.Account(args[0])
	if err != nil {
		c.reply(err.Error())
		return
	}
	keys := acc.Settings.Keys()

	switch len(args) {
	case 1:
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s = `%s'", k, acc.Settings.Get(k)))
		}
		c.reply(strings.Join(lines, "\n"))
	case 2:
		if !slices.Contains(keys, args[1]) {
			c.reply(fmt.Sprintf("%v: %s", account.ErrUnknownSetting, args[1]))
			return
		}
		c.reply(fmt.Sprintf("%s = `%s'", args[1], acc.Settings.Get(args[1])))
	default:
		value := strings.Join(args[2:], " ")
		if err := c.gw.Set(acc, args[1], value); err != nil {
			c.reply(err.Error())
			return
		}
		c.reply(fmt.Sprintf("%s = `%s'", args[1], acc.Settings.Get(args[1])))
	}
}

func onlineAccount(c *Client, ref string) *account.Account {
	acc, err := c.gw.Account(ref)
	if err != nil {
		c.reply(err.Error())
		return nil
	}
	if !acc.Online() || acc.Backend == nil {
		c.reply(fmt.Sprintf("%v: %s", gateway.ErrAccountInactive, acc.Tag))
		return nil
	}
	return acc
}

func cmdAdd(c *Client, args []string) {
	acc := onlineAccount(c, args[0])
	if acc == nil {
		return
	}
	nick := ""
	if len(args) > 2 {
		nick = args[2]
		if !validNick(nick) {
			c.reply("The desired nickname is invalid: " + nick)
			return
		}
	}
	if err := acc.Backend.AddContact(args[1], nick); err != nil {
		c.reply("Could not add contact: " + err.Error())
		return
	}
	c.reply(fmt.Sprintf("Adding `%s' to contact list", args[1]))
}

// contactOf finds the identity behind nick together with an online account
// to act on it.
func (c *Client) contactOf(nick string) (*bridge.Identity, bool) {
	id := c.gw.Bridge.ByNick(nick)
	if id == nil || id.Contact() == nil {
		c.reply("Unknown nick: " + nick)
		return nil, false
	}
	if !id.Account.Online() || id.Account.Backend == nil {
		c.reply(fmt.Sprintf("%v: %s", gateway.ErrAccountInactive, id.Account.Tag))
		return nil, false
	}
	return id, true
}

func cmdRemove(c *Client, args []string) {
	id, ok := c.contactOf(args[0])
	if !ok {
		return
	}
	address := id.Contact().Address
	if err := id.Account.Backend.RemoveContact(address); err != nil {
		c.reply("Could not remove contact: " + err.Error())
		return
	}
	c.reply(fmt.Sprintf("Buddy `%s' (nick %s) removed from contact list", address, id.Nick()))
}

// contactRenamer is implemented by backends that keep nicks server side.
type contactRenamer interface {
	RenameContact(handle, nick string) error
}

func cmdRename(c *Client, args []string) {
	id, ok := c.contactOf(args[0])
	if !ok {
		return
	}
	nick := args[1]
	if !validNick(nick) {
		c.reply("The desired nickname is invalid: " + nick)
		return
	}
	if other := c.gw.Bridge.ByNick(nick); (other != nil && other != id) || c.NickTaken(nick) {
		c.reply("The desired nickname is already in use: " + nick)
		return
	}
	old := id.Nick()
	c.gw.Bridge.Rename(id, nick)
	if r, ok := id.Account.Backend.(contactRenamer); ok {
		if err := r.RenameContact(id.Contact().Address, nick); err != nil {
			c.log.Debug("rename on server", "error", err)
		}
	}
	c.reply(fmt.Sprintf("Nick `%s' renamed to `%s'", old, id.Nick()))
}

func contactState(id *bridge.Identity) string {
	ct := id.Contact()
	if ct == nil || !ct.Online() {
		return "offline"
	}
	if away, msg := id.Away(); away {
		if msg != "" {
			return "away (" + msg + ")"
		}
		return "away"
	}
	return "online"
}

func cmdBlist(c *Client, args []string) {
	filter := "all"
	if len(args) > 0 {
		filter = strings.ToLower(args[0])
	}
	lines := []string{fmt.Sprintf("%-16s %-40s %s", "Nick", "Handle/Account", "Status")}
	shown := 0
	for _, id := range c.gw.Bridge.Identities(nil) {
		state := contactState(id)
		if filter != "all" && !strings.HasPrefix(state, filter) {
			continue
		}
		address := ""
		if ct := id.Contact(); ct != nil {
			address = ct.Address
		}
		lines = append(lines, fmt.Sprintf("%-16s %-40s %s", id.Nick(), address+" ("+id.Account.Tag+")", state))
		shown++
	}
	lines = append(lines, fmt.Sprintf("%d buddies shown", shown))
	c.reply(strings.Join(lines, "\n"))
}

const historyDefault = 20

func cmdHistory(c *Client, args []string) {
	wipe := args[0] == "-clear"
	if wipe {
		if len(args) < 2 {
			c.reply("Not enough parameters given. Usage: history -clear <nick>")
			return
		}
		args = args[1:]
	}
	id := c.gw.Bridge.ByNick(args[0])
	if id == nil {
		c.reply("Unknown nick: " + args[0])
		return
	}

	if wipe {
		if err := c.gw.ClearHistory(id); err != nil {
			c.reply("Could not clear history: " + err.Error())
			return
		}
		c.reply("History with " + id.Nick() + " cleared")
		return
	}

	limit := historyDefault
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			c.reply("Invalid count: " + args[1])
			return
		}
		limit = n
	}
	msgs, err := c.gw.History(id, limit)
	if errors.Is(err, gateway.ErrNotIdentified) {
		c.reply("History is only kept for identified users.")
		return
	}
	if err != nil {
		c.reply("Could not load history: " + err.Error())
		return
	}
	if len(msgs) == 0 {
		c.reply("No history with " + id.Nick())
		return
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		who := id.Nick()
		if m.Direction == "out" {
			who = c.nick
		}
		lines = append(lines, fmt.Sprintf("[%s] <%s> %s", m.Timestamp.Local().Format("2006-01-02 15:04:05"), who, m.Text))
	}
	c.reply(strings.Join(lines, "\n"))
}

func cmdTransfers(c *Client, args []string) {
	list := c.gw.Transfers.List()
	if len(list) == 0 {
		c.reply("No file transfers")
		return
	}
	lines := make([]string, 0, len(list))
	for _, t := range list {
		line := fmt.Sprintf("%s %s from %s (%s): %s, %d/%d bytes", t.ID, t.Name, t.From, t.Account, t.Status, t.Received, t.Size)
		if t.Reason != "" {
			line += ": " + t.Reason
		}
		lines = append(lines, line)
	}
	c.reply(strings.Join(lines, "\n"))
}

func cmdTransfer(c *Client, args []string) {
	if !strings.EqualFold(args[0], "cancel") {
		c.reply("Usage: transfer cancel <id>")
		return
	}
	err := c.gw.Transfers.Abort(filetransfer.Handle(args[1]), "cancelled by user")
	switch {
	case errors.Is(err, filetransfer.ErrNotFound):
		c.reply("No such file transfer: " + args[1])
	case errors.Is(err, filetransfer.ErrDone):
		c.reply("File transfer " + args[1] + " is already over")
	case err != nil:
		c.reply(err.Error())
	default:
		c.reply("File transfer " + args[1] + " cancelled")
	}
}
