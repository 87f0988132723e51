// Package ircd is the IRC side of the gateway: a small IRC server where
// every connection gets its own gateway session.
package ircd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"beegate/db"
	"beegate/gateway"
	"beegate/obs"
)

type Server struct {
	store  *db.DB
	config *ServerConfig
	log    *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*Client
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

type ServerConfig struct {
	Port         int
	Hostname     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Keepalive    time.Duration
	TransferDir  string
	FloodRate    float64
	FloodBurst   int
}

var ErrServerClosed = errors.New("server closed")

func New(store *db.DB, config *ServerConfig, log *slog.Logger) *Server {
	if config.Hostname == "" {
		config.Hostname = "beegate.local"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.FloodRate <= 0 {
		config.FloodRate = 5
	}
	if config.FloodBurst <= 0 {
		config.FloodBurst = 10
	}
	return &Server{
		store:   store,
		config:  config,
		log:     log.With("component", "ircd"),
		clients: make(map[string]*Client),
	}
}

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info("IRC server started", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs one IRC client on conn until it quits or the connection
// drops.
func (s *Server) ServeConn(conn net.Conn) {
	loop := gateway.NewLoop()
	c := newClient(s, conn, uuid.NewString(), loop)
	c.gw = gateway.New(loop, c, gateway.Options{
		Store:       s.store,
		Log:         c.log,
		Keepalive:   s.config.Keepalive,
		TransferDir: s.config.TransferDir,
	})

	if !s.addClient(c) {
		conn.Close()
		return
	}
	obs.IRCClients.Inc()
	c.log.Info("client connected", "remote", conn.RemoteAddr().String())

	defer func() {
		c.loop.Call(c.gw.Close)
		c.loop.Stop()
		c.cancel()
		conn.Close()
		s.removeClient(c.ID)
		obs.IRCClients.Dec()
		c.log.Info("client disconnected")
		s.wg.Done()
	}()

	go c.loop.Run(context.Background())
	c.readLoop()
}

func (s *Server) addClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.ID] = c
	s.wg.Add(1)
	return true
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

func (s *Server) snapshot() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Shutdown stops accepting, tells every client why and waits for their
// sessions to close.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	for _, c := range s.snapshot() {
		c.kill("Server shutting down: " + reason)
	}
	s.wg.Wait()
}

type SessionStats struct {
	ID    string `json:"id"`
	Nick  string `json:"nick"`
	Owner string `json:"owner,omitempty"`
	gateway.Stats
}

type Stats struct {
	Clients  int            `json:"clients"`
	Sessions []SessionStats `json:"sessions"`
}

// GetStats collects the state of every session from its loop.
func (s *Server) GetStats() Stats {
	clients := s.snapshot()
	st := Stats{Clients: len(clients), Sessions: make([]SessionStats, 0, len(clients))}
	for _, c := range clients {
		ss := SessionStats{ID: c.ID}
		ok := c.loop.Call(func() {
			ss.Nick = c.nick
			ss.Owner = c.gw.Owner()
			ss.Stats = c.gw.Stats()
		})
		if ok {
			st.Sessions = append(st.Sessions, ss)
		}
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].Nick < st.Sessions[j].Nick })
	return st
}
