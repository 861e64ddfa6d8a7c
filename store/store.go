// Package store persists routed messages into SQLite: CRM feedback with its
// attachments, feedback-loop reports and bounces.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var createTableSQL = []string{
	// crm_feedback holds one row per general message delivered to a CRM
	// mailbox. body is the first text/plain part, or the first text/html
	// part rendered as text.
	`
CREATE TABLE IF NOT EXISTS crm_feedback (
id INTEGER PRIMARY KEY AUTOINCREMENT,
mailbox TEXT NOT NULL,
message_id TEXT NOT NULL,
date_sent TIMESTAMP,
address_to TEXT NOT NULL,
address_from TEXT NOT NULL,
name_from TEXT NOT NULL,
subject TEXT NOT NULL,
body TEXT NOT NULL,
charset TEXT NOT NULL,
received_at TIMESTAMP NOT NULL
);`,
	`
CREATE TABLE IF NOT EXISTS crm_attachments (
id INTEGER PRIMARY KEY AUTOINCREMENT,
feedback_id INTEGER NOT NULL,
name TEXT NOT NULL,
media_type TEXT NOT NULL,
body BLOB NOT NULL,
FOREIGN KEY (feedback_id) REFERENCES crm_feedback (id)
);`,
	// fbl_reports holds ARF reports. The original_* columns are NULL when
	// the message carries no message/feedback-report part.
	`
CREATE TABLE IF NOT EXISTS fbl_reports (
id INTEGER PRIMARY KEY AUTOINCREMENT,
mailbox TEXT NOT NULL,
message_id TEXT NOT NULL,
subject TEXT NOT NULL,
address_to TEXT NOT NULL,
address_from TEXT NOT NULL,
feedback_type TEXT,
source_ip TEXT,
auth_results TEXT,
original_rcpt_to TEXT,
original_mail_from TEXT,
original_subject TEXT,
raw_message BLOB NOT NULL,
received_at TIMESTAMP NOT NULL
);`,
	// bounces holds delivery failures. bounce_type and recipient are NULL
	// when no rule matched.
	`
CREATE TABLE IF NOT EXISTS bounces (
id INTEGER PRIMARY KEY AUTOINCREMENT,
mailbox TEXT NOT NULL,
message_id TEXT NOT NULL,
subject TEXT NOT NULL,
address_to TEXT NOT NULL,
address_from TEXT NOT NULL,
body TEXT NOT NULL,
bounce_type TEXT,
recipient TEXT,
raw_message BLOB NOT NULL,
received_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS bounces_recipient ON bounces (recipient);`,
}

// Tables lists every table the schema creates.
var Tables = []string{"crm_feedback", "crm_attachments", "fbl_reports", "bounces"}

type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the database at path and makes sure the schema
// exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	busyTimeout := int(time.Minute / time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_foreign_keys": {"on"},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not form a DB DSN", path)
	}
	logger.Debug("opening database", "dsn", dsn)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not open database", path)
	}
	// Sinks write from several stage workers; serialize on one connection.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db: db, logger: logger}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Count returns the number of rows in table.
func (db *DB) Count(ctx context.Context, table string) (int64, error) {
	known := false
	for _, t := range Tables {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return 0, errors.Errorf("unknown table %q", table)
	}

	var n int64
	if err := db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", table)
	}
	return n, nil
}

// CRM returns the sink for general messages.
func (db *DB) CRM() *CRM { return &CRM{db: db} }

// FBL returns the sink for feedback-loop reports.
func (db *DB) FBL() *FBL { return &FBL{db: db} }

// Bounce returns the sink for bounces.
func (db *DB) Bounce() *Bounce { return &Bounce{db: db} }

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
