// Package pop3 reads a mailbox over POP3.
package pop3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/dhcgn/mail-crawler/model"
)

const dialTimeout = 30 * time.Second

var ErrIndexOutOfRange = errors.New("message index out of range")

// Session is an authenticated POP3 connection. Messages are numbered from
// 1; deletions take effect when the session quits.
type Session struct {
	conn      *pop3.Conn
	mailbox   model.Mailbox
	logger    *slog.Logger
	count     int
	stopClose func() bool
}

// Dial connects and authenticates. Cancelling ctx closes the connection.
func Dial(ctx context.Context, mb model.Mailbox, logger *slog.Logger) (*Session, error) {
	if mb.Host == "" {
		return nil, fmt.Errorf("pop3 host is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := pop3.New(pop3.Opt{
		Host:          mb.Host,
		Port:          mb.Port,
		DialTimeout:   dialTimeout,
		TLSEnabled:    mb.UseTLS,
		TLSSkipVerify: mb.InsecureSkipVerify,
	})

	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("dial pop3 %s:%d: %w", mb.Host, mb.Port, err)
	}

	if err := conn.Auth(mb.Username, mb.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("pop3 login failed: %w", err)
	}

	count, size, err := conn.Stat()
	if err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("pop3 stat: %w", err)
	}

	logger.Debug("pop3 connection established", "host", mb.Host, "port", mb.Port, "user", mb.Username, "messages", count, "size", size)

	s := &Session{conn: conn, mailbox: mb, logger: logger, count: count}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = conn.Quit()
	})
	return s, nil
}

func (s *Session) Count() (int, error) {
	return s.count, nil
}

func (s *Session) Fetch(i int) ([]byte, error) {
	if i < 1 || i > s.count {
		return nil, fmt.Errorf("fetch %d of %d: %w", i, s.count, ErrIndexOutOfRange)
	}
	buf, err := s.conn.RetrRaw(i)
	if err != nil {
		return nil, fmt.Errorf("retr %d: %w", i, err)
	}
	return buf.Bytes(), nil
}

func (s *Session) Delete(i int) error {
	if i < 1 || i > s.count {
		return fmt.Errorf("delete %d of %d: %w", i, s.count, ErrIndexOutOfRange)
	}
	if err := s.conn.Dele(i); err != nil {
		return fmt.Errorf("dele %d: %w", i, err)
	}
	return nil
}

// Close sends QUIT, which commits deletions.
func (s *Session) Close() error {
	if !s.stopClose() {
		return nil
	}
	if err := s.conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}
