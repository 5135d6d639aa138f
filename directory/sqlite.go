package directory

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// SQLite backs both the credential gateway and the contact directory
// with a single sqlite database file.
type SQLite struct {
	conn *sql.DB
}

var (
	_ CredentialGateway = (*SQLite)(nil)
	_ ContactDirectory  = (*SQLite)(nil)
)

func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	d := &SQLite{conn: conn}
	if err := d.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return d, nil
}

func (d *SQLite) Close() error {
	return d.conn.Close()
}

func (d *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			handle TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			credential TEXT NOT NULL,
			display_name TEXT NOT NULL,
			list_serial INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			display_name TEXT NOT NULL,
			category TEXT NOT NULL,
			UNIQUE(owner, contact, category)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner, category)`,
	}

	for _, query := range queries {
		if _, err := d.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// CreateAccount registers a handle. The password is stored bcrypt-hashed
// for web logins; the challenge credential is derived from it once, at
// creation time, so the plaintext never needs to be kept.
func (d *SQLite) CreateAccount(handle, password, displayName string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if displayName == "" {
		displayName = localPart(handle)
	}

	_, err = d.conn.Exec(
		"INSERT INTO accounts (handle, password, credential, display_name) VALUES (?, ?, ?, ?)",
		handle, string(hashed), ChallengeDigest("", password), displayName,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrAlreadyExists
	}
	return err
}

func (d *SQLite) LookupAccount(handle string) (*Account, error) {
	account := &Account{}
	err := d.conn.QueryRow(
		"SELECT handle, display_name FROM accounts WHERE handle = ?", handle,
	).Scan(&account.Handle, &account.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return account, nil
}

func (d *SQLite) VerifyResponse(handle, challenge, response string) (bool, error) {
	var credential string
	err := d.conn.QueryRow(
		"SELECT credential FROM accounts WHERE handle = ?", handle,
	).Scan(&credential)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return digestEqual(ChallengeDigest(challenge, credential), strings.ToLower(response)), nil
}

// VerifyPassword checks a plaintext password against the bcrypt hash.
// Used by the web login surface, never by the notification protocol.
func (d *SQLite) VerifyPassword(handle, password string) (bool, error) {
	var hashed string
	err := d.conn.QueryRow(
		"SELECT password FROM accounts WHERE handle = ?", handle,
	).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil, nil
}

func (d *SQLite) ListContacts(handle string, category Category) ([]Contact, error) {
	rows, err := d.conn.Query(
		"SELECT contact, display_name, category FROM contacts WHERE owner = ? AND category = ? ORDER BY contact",
		handle, category,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Handle, &c.DisplayName, &c.Category); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

func (d *SQLite) AddContact(handle, contactHandle string, category Category, display string) (int64, error) {
	if display == "" {
		display = localPart(contactHandle)
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO contacts (owner, contact, display_name, category) VALUES (?, ?, ?, ?)",
		handle, contactHandle, display, category,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}

	serial, err := bumpSerial(tx, handle)
	if err != nil {
		return 0, err
	}

	return serial, tx.Commit()
}

func (d *SQLite) RemoveContact(handle, contactHandle string, category Category) (int64, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"DELETE FROM contacts WHERE owner = ? AND contact = ? AND category = ?",
		handle, contactHandle, category,
	)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrNotFound
	}

	serial, err := bumpSerial(tx, handle)
	if err != nil {
		return 0, err
	}

	return serial, tx.Commit()
}

func (d *SQLite) ListSerial(handle string) (int64, error) {
	var serial int64
	err := d.conn.QueryRow(
		"SELECT list_serial FROM accounts WHERE handle = ?", handle,
	).Scan(&serial)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return serial, err
}

func bumpSerial(tx *sql.Tx, handle string) (int64, error) {
	if _, err := tx.Exec(
		"UPDATE accounts SET list_serial = list_serial + 1 WHERE handle = ?", handle,
	); err != nil {
		return 0, err
	}

	var serial int64
	err := tx.QueryRow(
		"SELECT list_serial FROM accounts WHERE handle = ?", handle,
	).Scan(&serial)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("owner %s: %w", handle, ErrNotFound)
	}
	return serial, err
}

// Seed inserts the demo accounts when the database is empty, mirroring
// the historical test fixtures.
func (d *SQLite) Seed() error {
	var count int
	if err := d.conn.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	seeds := []struct {
		handle, password, display string
	}{
		{"aquaboxs34@hotmail.com", "password123", "AquaBoxs"},
		{"testuser@hotmail.com", "test123", "Test User"},
	}

	for _, seed := range seeds {
		if err := d.CreateAccount(seed.handle, seed.password, seed.display); err != nil {
			return err
		}
	}

	return nil
}

func localPart(handle string) string {
	if at := strings.IndexByte(handle, '@'); at > 0 {
		return handle[:at]
	}
	return handle
}
