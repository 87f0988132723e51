package models

import "time"

type User struct {
	ID       int64
	Nick     string
	Password string // hashed
	LastSeen time.Time
}

// Account is the stored form of a backend account; the live one is
// account.Account.
type Account struct {
	ID       int64
	Owner    string
	Tag      string
	Protocol string
	Handle   string
	Password string
	Server   string
	Settings map[string]string
}

type Message struct {
	ID        int64
	Owner     string
	Account   string
	Peer      string
	Direction string // "in" or "out"
	Text      string
	Timestamp time.Time
}
