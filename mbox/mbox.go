// Package mbox reads mbox files as a mailbox source and appends fetched
// messages to an mbox archive.
package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
)

var ErrIndexOutOfRange = errors.New("message index out of range")

// Session serves the messages of one mbox file. Messages are numbered
// from 1. Deletions are applied when the session is closed.
type Session struct {
	path     string
	logger   *slog.Logger
	messages [][]byte
	deleted  map[int]bool
}

// Open loads every message of the file at path.
func Open(path string, logger *slog.Logger) (*Session, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{path: path, logger: logger, deleted: map[int]bool{}}
	err := Read(path, func(_ int, raw []byte) error {
		s.messages = append(s.messages, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Count() (int, error) {
	return len(s.messages), nil
}

func (s *Session) Fetch(i int) ([]byte, error) {
	if i < 1 || i > len(s.messages) {
		return nil, fmt.Errorf("fetch %d of %d: %w", i, len(s.messages), ErrIndexOutOfRange)
	}
	return s.messages[i-1], nil
}

func (s *Session) Delete(i int) error {
	if i < 1 || i > len(s.messages) {
		return fmt.Errorf("delete %d of %d: %w", i, len(s.messages), ErrIndexOutOfRange)
	}
	s.deleted[i] = true
	return nil
}

// Close rewrites the file without the deleted messages. Messages appended
// after Open are kept. Every "From " separator line is rebuilt from the
// message's Return-Path or From header and its Date.
func (s *Session) Close() error {
	if len(s.deleted) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".mbox-rewrite-*")
	if err != nil {
		return fmt.Errorf("create temp mbox: %w", err)
	}
	defer os.Remove(tmp.Name())

	// Re-read the file so messages appended since Open survive the rewrite.
	var current [][]byte
	if err := Read(s.path, func(_ int, raw []byte) error {
		current = append(current, raw)
		return nil
	}); err != nil {
		_ = tmp.Close()
		return err
	}
	if len(current) < len(s.messages) {
		_ = tmp.Close()
		return fmt.Errorf("mbox %s shrank from %d to %d messages since open", s.path, len(s.messages), len(current))
	}

	w := mboxlib.NewWriter(tmp)
	kept := 0
	for i, raw := range current {
		if s.deleted[i+1] {
			continue
		}
		if err := writeMessage(w, raw, time.Now()); err != nil {
			_ = tmp.Close()
			return err
		}
		kept++
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("finish mbox: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp mbox: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace mbox: %w", err)
	}

	s.logger.Debug("mbox rewritten", "path", s.path, "kept", kept, "deleted", len(s.deleted))
	s.deleted = map[int]bool{}
	return nil
}

// Read calls fn with every message of the mbox file at path, numbered
// from 1.
func Read(path string, fn func(index int, raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ReadFrom(file, fn)
}

// ReadFrom is Read over an open reader.
func ReadFrom(r io.Reader, fn func(index int, raw []byte) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 1; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := fn(idx, raw); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages in an mbox file without parsing them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}

func writeMessage(w *mboxlib.Writer, raw []byte, fallback time.Time) error {
	from, date := envelope(raw, fallback)
	mw, err := w.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	return nil
}

// envelope picks the sender and date for the mbox "From " line.
func envelope(raw []byte, fallback time.Time) (string, time.Time) {
	from, date := "MAILER-DAEMON", fallback

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && r == nil {
		return from, date
	}
	defer r.Close()

	if list, err := r.Header.AddressList("Return-Path"); err == nil && len(list) > 0 && list[0].Address != "" {
		from = list[0].Address
	} else if list, err := r.Header.AddressList("From"); err == nil && len(list) > 0 {
		from = list[0].Address
	}
	if t, err := r.Header.Date(); err == nil && !t.IsZero() {
		date = t
	}
	return from, date
}
