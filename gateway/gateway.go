// Package gateway holds the state of one IRC session: the backend accounts
// of its user, the bridge projecting their contacts, and the file transfers
// in flight. Everything here runs on the session Loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"beegate/account"
	"beegate/backend"
	"beegate/bridge"
	"beegate/db"
	"beegate/filetransfer"
	"beegate/models"
	"beegate/obs"
)

var (
	ErrNoSuchAccount   = errors.New("no such account")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountActive   = errors.New("account is not offline")
	ErrAccountInactive = errors.New("account is not online")
	ErrNotIdentified   = errors.New("not identified")
	ErrNoStorage       = errors.New("no storage configured")
	ErrBadPassword     = errors.New("incorrect password")
)

const loginTimeout = 30 * time.Second

// Frontend is the IRC side of the session.
type Frontend interface {
	bridge.IRC
	// Notify shows text to the user as coming from the gateway itself.
	Notify(text string)
}

type Options struct {
	Store       *db.DB
	Log         *slog.Logger
	Keepalive   time.Duration
	TransferDir string
}

type Gateway struct {
	Loop      *Loop
	Bridge    *bridge.Bridge
	Transfers *filetransfer.Manager

	front     Frontend
	store     *db.DB
	log       *slog.Logger
	keepalive time.Duration
	ctx       context.Context
	cancel    context.CancelFunc

	owner    string
	accounts []*account.Account
}

func New(loop *Loop, front Frontend, opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		Loop:      loop,
		Bridge:    bridge.New(front, log),
		front:     front,
		store:     opts.Store,
		log:       log.With("component", "gateway"),
		keepalive: opts.Keepalive,
		ctx:       ctx,
		cancel:    cancel,
	}
	g.Transfers = filetransfer.NewManager(fileOpener(opts.TransferDir), log)
	g.Transfers.SetEvents(g)
	return g
}

// fileOpener stores transfers under dir. Without a dir the bytes are
// counted and dropped.
func fileOpener(dir string) filetransfer.Opener {
	if dir == "" {
		return nil
	}
	return func(t *filetransfer.Transfer) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
		name := string(t.ID) + "-" + filepath.Base(filepath.Clean("/"+t.Name))
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	}
}

func (g *Gateway) env() backend.Env {
	return backend.Env{
		Post:      g.Loop.Post,
		Call:      g.Loop.Call,
		Bridge:    g.Bridge,
		Transfers: g.Transfers,
		Events:    g,
		Log:       g.log,
		Keepalive: g.keepalive,
	}
}

// Owner is the nick the user identified as, "" before that.
func (g *Gateway) Owner() string { return g.owner }

func (g *Gateway) Accounts() []*account.Account { return g.accounts }

// Account finds an account by tag or by its position in the list, as
// shown by "account list".
func (g *Gateway) Account(ref string) (*account.Account, error) {
	for _, a := range g.accounts {
		if strings.EqualFold(a.Tag, ref) {
			return a, nil
		}
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(g.accounts) {
		return g.accounts[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchAccount, ref)
}

func (g *Gateway) uniqueTag(protocol string) string {
	tag := protocol
	for i := 2; ; i++ {
		if _, err := g.Account(tag); err != nil {
			return tag
		}
		tag = protocol + strconv.Itoa(i)
	}
}

// AddAccount creates an offline account. An empty tag is derived from the
// protocol name.
func (g *Gateway) AddAccount(protocol, handle, password, server, tag string) (*account.Account, error) {
	if !backend.Known(protocol) {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownProtocol, protocol)
	}
	if tag == "" {
		tag = g.uniqueTag(protocol)
	} else if _, err := g.Account(tag); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, tag)
	}

	acc := account.New(tag, protocol, handle, password, server)
	if err := g.persistAccount(acc); err != nil {
		return nil, err
	}
	g.attach(acc)
	return acc, nil
}

func (g *Gateway) attach(acc *account.Account) {
	g.Bridge.Attach(acc)
	g.accounts = append(g.accounts, acc)
	g.log.Info("account added", "account", acc.Tag, "protocol", acc.Protocol, "handle", acc.Handle)
}

func (g *Gateway) persistAccount(acc *account.Account) error {
	if g.store == nil || g.owner == "" {
		return nil
	}
	m := &models.Account{
		Owner:    g.owner,
		Tag:      acc.Tag,
		Protocol: acc.Protocol,
		Handle:   acc.Handle,
		Password: acc.Password,
		Server:   acc.Server,
		Settings: acc.Settings.Explicit(),
	}
	if err := g.store.SaveAccount(m); err != nil {
		return fmt.Errorf("save account %s: %w", acc.Tag, err)
	}
	acc.ID = m.ID
	return nil
}

// RemoveAccount forgets an offline account.
func (g *Gateway) RemoveAccount(ref string) error {
	acc, err := g.Account(ref)
	if err != nil {
		return err
	}
	if acc.State != account.Offline {
		return fmt.Errorf("%w: %s", ErrAccountActive, acc.Tag)
	}
	if g.store != nil && g.owner != "" && acc.ID != 0 {
		if err := g.store.DeleteAccount(g.owner, acc.Tag); err != nil && !errors.Is(err, db.ErrNoRows) {
			return fmt.Errorf("delete account %s: %w", acc.Tag, err)
		}
	}
	for i, a := range g.accounts {
		if a == acc {
			g.accounts = append(g.accounts[:i], g.accounts[i+1:]...)
			break
		}
	}
	g.log.Info("account removed", "account", acc.Tag)
	return nil
}

// Connect starts logging acc in. The login itself runs off the loop; its
// outcome is posted back.
func (g *Gateway) Connect(acc *account.Account) error {
	if acc.State != account.Offline {
		return fmt.Errorf("%w: %s", ErrAccountActive, acc.Tag)
	}
	be, err := backend.New(acc.Protocol, acc, g.env())
	if err != nil {
		return err
	}
	acc.Backend = be
	acc.State = account.Connecting
	g.log.Info("connecting", "account", acc.Tag)

	ctx, cancel := context.WithTimeout(g.ctx, loginTimeout)
	go func() {
		defer cancel()
		err := be.Login(ctx)
		g.Loop.Post(func() { g.loginDone(acc, be, err) })
	}()
	return nil
}

func (g *Gateway) loginDone(acc *account.Account, be account.Backend, err error) {
	if acc.Backend != be {
		return
	}
	if err != nil {
		g.log.Warn("login failed", "account", acc.Tag, "error", err)
		g.front.Notify(fmt.Sprintf("%s - Login error: %v", acc.Tag, err))
		g.drop(acc)
		return
	}
	acc.State = account.Online
	obs.AccountsOnline.Inc()
	g.log.Info("logged in", "account", acc.Tag, "contacts", acc.Directory.Len())
	g.front.Notify(fmt.Sprintf("%s - Logged in", acc.Tag))
}

// Disconnect logs acc out and drops its contacts.
func (g *Gateway) Disconnect(acc *account.Account) error {
	if acc.State == account.Offline {
		return fmt.Errorf("%w: %s", ErrAccountInactive, acc.Tag)
	}
	if err := acc.Backend.Logout(); err != nil {
		g.log.Debug("logout", "account", acc.Tag, "error", err)
	}
	g.drop(acc)
	g.front.Notify(fmt.Sprintf("%s - Signing off..", acc.Tag))
	return nil
}

func (g *Gateway) drop(acc *account.Account) {
	if acc.State == account.Online {
		obs.AccountsOnline.Dec()
	}
	acc.State = account.Offline
	acc.Backend = nil
	acc.Directory.Clear()
	g.Transfers.AbortAccount(acc.Tag, "account went offline")
}

// Disconnected implements backend.Events.
func (g *Gateway) Disconnected(acc *account.Account, err error) {
	if acc.State == account.Offline {
		return
	}
	g.log.Warn("connection lost", "account", acc.Tag, "error", err)
	g.drop(acc)
	g.front.Notify(fmt.Sprintf("%s - Connection lost: %v", acc.Tag, err))
}

// Notice implements backend.Events.
func (g *Gateway) Notice(acc *account.Account, text string) {
	g.front.Notify(acc.Tag + " - " + text)
}

// Transcript implements backend.Events.
func (g *Gateway) Transcript(acc *account.Account, peer, direction, text string, at time.Time) {
	if g.store == nil || g.owner == "" {
		return
	}
	err := g.store.SaveMessage(models.Message{
		Owner:     g.owner,
		Account:   acc.Tag,
		Peer:      peer,
		Direction: direction,
		Text:      text,
		Timestamp: at,
	})
	if err != nil {
		g.log.Warn("save message", "account", acc.Tag, "error", err)
	}
}

// SendMessage delivers text the user wrote to id. Backends record the
// transcript once the server took the message.
func (g *Gateway) SendMessage(id *bridge.Identity, text string) bool {
	return g.Bridge.OnOutgoingMessage(id, text)
}

// Set changes a setting of acc and stores it for identified users.
func (g *Gateway) Set(acc *account.Account, key, value string) error {
	if err := acc.Settings.Set(key, value); err != nil {
		return err
	}
	if g.store != nil && g.owner != "" && acc.ID != 0 {
		return g.store.SetSetting(acc.ID, key, acc.Settings.Get(key))
	}
	return nil
}

func (g *Gateway) Reset(acc *account.Account, key string) error {
	if err := acc.Settings.Reset(key); err != nil {
		return err
	}
	if g.store != nil && g.owner != "" && acc.ID != 0 {
		return g.store.DeleteSetting(acc.ID, key)
	}
	return nil
}

// Register creates a stored user for nick and saves the accounts added so
// far under it.
func (g *Gateway) Register(nick, password string) error {
	if g.store == nil {
		return ErrNoStorage
	}
	if err := g.store.CreateUser(nick, password); err != nil {
		return err
	}
	g.owner = nick
	for _, acc := range g.accounts {
		if err := g.persistAccount(acc); err != nil {
			return err
		}
	}
	g.log.Info("user registered", "nick", nick)
	return nil
}

// Identify loads the stored accounts of nick and connects those with
// auto_connect set.
func (g *Gateway) Identify(nick, password string) error {
	if g.store == nil {
		return ErrNoStorage
	}
	ok, err := g.store.AuthenticateUser(nick, password)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadPassword
	}
	stored, err := g.store.GetAccounts(nick)
	if err != nil {
		return err
	}
	g.owner = nick
	if err := g.store.UpdateLastSeen(nick, time.Now()); err != nil {
		g.log.Debug("update last seen", "nick", nick, "error", err)
	}

	for _, m := range stored {
		if _, err := g.Account(m.Tag); err == nil {
			continue
		}
		acc := account.New(m.Tag, m.Protocol, m.Handle, m.Password, m.Server)
		acc.ID = m.ID
		for k, v := range m.Settings {
			if err := acc.Settings.Set(k, v); err != nil {
				g.log.Warn("stored setting ignored", "account", m.Tag, "key", k, "error", err)
			}
		}
		g.attach(acc)
		if acc.Settings.Bool(account.SetAutoConnect) {
			if err := g.Connect(acc); err != nil {
				g.front.Notify(fmt.Sprintf("%s - %v", acc.Tag, err))
			}
		}
	}
	g.log.Info("user identified", "nick", nick, "accounts", len(g.accounts))
	return nil
}

// ChangePassword replaces the stored password of the identified user.
func (g *Gateway) ChangePassword(password string) error {
	if g.store == nil || g.owner == "" {
		return ErrNotIdentified
	}
	return g.store.ChangePassword(g.owner, password)
}

// Drop deletes the stored user nick along with its accounts and settings.
// Live accounts stay attached to the session.
func (g *Gateway) Drop(nick, password string) error {
	if g.store == nil {
		return ErrNoStorage
	}
	ok, err := g.store.AuthenticateUser(nick, password)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadPassword
	}
	if err := g.store.DeleteUser(nick); err != nil {
		return err
	}
	if strings.EqualFold(g.owner, nick) {
		g.owner = ""
		for _, acc := range g.accounts {
			acc.ID = 0
		}
	}
	g.log.Info("user dropped", "nick", nick)
	return nil
}

// History returns up to limit stored messages exchanged with id, oldest
// first.
func (g *Gateway) History(id *bridge.Identity, limit int) ([]models.Message, error) {
	if g.store == nil || g.owner == "" {
		return nil, ErrNotIdentified
	}
	c := id.Contact()
	if c == nil {
		return nil, nil
	}
	return g.store.GetMessages(g.owner, id.Account.Tag, c.Address, limit)
}

func (g *Gateway) ClearHistory(id *bridge.Identity) error {
	if g.store == nil || g.owner == "" {
		return ErrNotIdentified
	}
	c := id.Contact()
	if c == nil {
		return nil
	}
	return g.store.ClearHistory(g.owner, id.Account.Tag, c.Address)
}

// TransferOffered implements filetransfer.Events.
func (g *Gateway) TransferOffered(t *filetransfer.Transfer) {
	g.front.Notify(fmt.Sprintf("File transfer %s: receiving %s (%d bytes) from %s", t.ID, t.Name, t.Size, t.From))
}

// TransferFinished implements filetransfer.Events.
func (g *Gateway) TransferFinished(t *filetransfer.Transfer) {
	g.front.Notify(fmt.Sprintf("File transfer %s: %s finished", t.ID, t.Name))
}

// TransferCancelled implements filetransfer.Events.
func (g *Gateway) TransferCancelled(t *filetransfer.Transfer, reason string) {
	g.front.Notify(fmt.Sprintf("File transfer %s: %s cancelled: %s", t.ID, t.Name, reason))
}

type Stats struct {
	Accounts  int `json:"accounts"`
	Online    int `json:"online"`
	Contacts  int `json:"contacts"`
	Transfers int `json:"transfers"`
}

func (g *Gateway) Stats() Stats {
	s := Stats{Accounts: len(g.accounts), Contacts: g.Bridge.Len(), Transfers: len(g.Transfers.List())}
	for _, a := range g.accounts {
		if a.Online() {
			s.Online++
		}
	}
	return s
}

// Close logs every account out. The loop keeps running.
func (g *Gateway) Close() {
	for _, acc := range g.accounts {
		if acc.State != account.Offline {
			_ = g.Disconnect(acc)
		}
	}
	g.cancel()
	if g.store != nil && g.owner != "" {
		if err := g.store.UpdateLastSeen(g.owner, time.Now()); err != nil {
			g.log.Debug("update last seen", "nick", g.owner, "error", err)
		}
	}
}
