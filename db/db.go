package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"beegate/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows        = errors.New("no rows found")
	ErrUserExists    = errors.New("user already exists")
	ErrAccountExists = errors.New("account already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			nick TEXT UNIQUE NOT NULL COLLATE NOCASE,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL COLLATE NOCASE,
			tag TEXT NOT NULL COLLATE NOCASE,
			protocol TEXT NOT NULL,
			handle TEXT NOT NULL,
			password TEXT NOT NULL,
			server TEXT NOT NULL DEFAULT '',
			UNIQUE(owner, tag),
			FOREIGN KEY(owner) REFERENCES users(nick) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			account_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY(account_id, key),
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL COLLATE NOCASE,
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			direction TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(owner, account, peer, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	if !db.columnExists("users", "last_seen") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN last_seen TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// User methods
func (db *DB) CreateUser(nick, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (nick, password, last_seen) VALUES (?, ?, ?)",
		nick, string(hashed), time.Now().UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrUserExists, nick)
	}
	return err
}

func (db *DB) AuthenticateUser(nick, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRow("SELECT password FROM users WHERE nick = ?", nick).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(nick string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE nick = ?", nick).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) ChangePassword(nick, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return expectOne(db.conn.Exec("UPDATE users SET password = ? WHERE nick = ?", string(hashed), nick))
}

func (db *DB) DeleteUser(nick string) error {
	return expectOne(db.conn.Exec("DELETE FROM users WHERE nick = ?", nick))
}

func (db *DB) UpdateLastSeen(nick string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_seen = ? WHERE nick = ?",
		t.UTC().Format(time.RFC3339), nick,
	)
	return err
}

func (db *DB) GetUser(nick string) (*models.User, error) {
	var u models.User
	var seen string
	err := db.conn.QueryRow(
		"SELECT id, nick, password, last_seen FROM users WHERE nick = ?", nick,
	).Scan(&u.ID, &u.Nick, &u.Password, &seen)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	if seen != "" {
		u.LastSeen, _ = time.Parse(time.RFC3339, seen)
	}
	return &u, nil
}

// Account methods
func (db *DB) SaveAccount(a *models.Account) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO accounts (owner, tag, protocol, handle, password, server) VALUES (?, ?, ?, ?, ?, ?)",
		a.Owner, a.Tag, a.Protocol, a.Handle, a.Password, a.Server,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.Tag)
	}
	if err != nil {
		return err
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for k, v := range a.Settings {
		if _, err := tx.Exec("INSERT INTO settings (account_id, key, value) VALUES (?, ?, ?)", a.ID, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *DB) GetAccounts(owner string) ([]models.Account, error) {
	rows, err := db.conn.Query(
		"SELECT id, owner, tag, protocol, handle, password, server FROM accounts WHERE owner = ? ORDER BY id",
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Owner, &a.Tag, &a.Protocol, &a.Handle, &a.Password, &a.Server); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range accounts {
		if accounts[i].Settings, err = db.GetSettings(accounts[i].ID); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (db *DB) DeleteAccount(owner, tag string) error {
	return expectOne(db.conn.Exec("DELETE FROM accounts WHERE owner = ? AND tag = ?", owner, tag))
}

// Setting methods
func (db *DB) SetSetting(accountID int64, key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO settings (account_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(account_id, key) DO UPDATE SET value = excluded.value`,
		accountID, key, value,
	)
	return err
}

func (db *DB) DeleteSetting(accountID int64, key string) error {
	_, err := db.conn.Exec("DELETE FROM settings WHERE account_id = ? AND key = ?", accountID, key)
	return err
}

func (db *DB) GetSettings(accountID int64) (map[string]string, error) {
	rows, err := db.conn.Query("SELECT key, value FROM settings WHERE account_id = ?", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// Message methods
func (db *DB) SaveMessage(m models.Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (owner, account, peer, direction, text, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		m.Owner, m.Account, m.Peer, m.Direction, m.Text, m.Timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

// GetMessages returns the last limit messages exchanged with peer, oldest
// first.
func (db *DB) GetMessages(owner, account, peer string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, owner, account, peer, direction, text, timestamp FROM (
			SELECT * FROM messages
			WHERE owner = ? AND account = ? AND peer = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`

	rows, err := db.conn.Query(query, owner, account, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Owner, &m.Account, &m.Peer, &m.Direction, &m.Text, &timestampStr); err != nil {
			return nil, err
		}

		timestamp, err := time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, err
		}
		m.Timestamp = timestamp

		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *DB) ClearHistory(owner, account, peer string) error {
	_, err := db.conn.Exec(
		"DELETE FROM messages WHERE owner = ? AND account = ? AND peer = ?",
		owner, account, peer,
	)
	return err
}

func expectOne(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}
