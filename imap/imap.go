// Package imap reads a mailbox folder over IMAP.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-crawler/model"
)

var ErrIndexOutOfRange = errors.New("message index out of range")

// Session is an authenticated connection with the configured folder
// selected. Messages are addressed by sequence number.
type Session struct {
	client    *imapclient.Client
	mailbox   model.Mailbox
	logger    *slog.Logger
	count     int
	deleted   bool
	stopClose func() bool
	ctx       context.Context
}

// Dial connects, logs in and selects the folder of mb. Cancelling ctx
// closes the connection.
func Dial(ctx context.Context, mb model.Mailbox, logger *slog.Logger) (*Session, error) {
	if mb.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if mb.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	address := net.JoinHostPort(mb.Host, strconv.Itoa(mb.Port))
	options := &imapclient.Options{}
	if mb.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         mb.Host,
			InsecureSkipVerify: mb.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if mb.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(mb.Username, mb.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	folder := folderName(mb)
	data, err := client.Select(folder, nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	logger.Debug("imap connection established", "address", address, "user", mb.Username, "folder", folder, "messages", data.NumMessages, "tls", mb.UseTLS)

	s := &Session{
		client:  client,
		mailbox: mb,
		logger:  logger,
		count:   int(data.NumMessages),
		ctx:     ctx,
	}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

func folderName(mb model.Mailbox) string {
	if mb.Folder == "" {
		return "INBOX"
	}
	return mb.Folder
}

// Count is the number of messages when the folder was selected.
func (s *Session) Count() (int, error) {
	return s.count, nil
}

// Fetch returns the full raw message without setting \Seen.
func (s *Session) Fetch(i int) ([]byte, error) {
	if i < 1 || i > s.count {
		return nil, fmt.Errorf("fetch %d of %d: %w", i, s.count, ErrIndexOutOfRange)
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(imapv2.SeqSetNum(uint32(i)), &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d: %w", i, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch %d: server returned no message", i)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("fetch %d: body section missing", i)
	}
	return raw, nil
}

// Delete flags the message; it is expunged on Close.
func (s *Session) Delete(i int) error {
	if i < 1 || i > s.count {
		return fmt.Errorf("delete %d of %d: %w", i, s.count, ErrIndexOutOfRange)
	}
	store := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}
	if err := s.client.Store(imapv2.SeqSetNum(uint32(i)), store, nil).Close(); err != nil {
		return fmt.Errorf("flag %d deleted: %w", i, err)
	}
	s.deleted = true
	return nil
}

// Close expunges deleted messages, logs out and closes the connection.
func (s *Session) Close() error {
	s.stopClose()

	var firstErr error
	if s.ctx.Err() == nil {
		if s.deleted {
			if err := s.client.Expunge().Close(); err != nil {
				firstErr = fmt.Errorf("expunge: %w", err)
			}
		}
		if err := s.client.Logout().Wait(); err != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return firstErr
}
