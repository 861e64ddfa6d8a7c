package mbox

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-crawler/model"
)

// Archive appends every message it is given to one mbox file.
type Archive struct {
	mu     sync.Mutex
	file   *os.File
	writer *mboxlib.Writer
	logger *slog.Logger
	count  int
}

func NewArchive(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{file: file, writer: mboxlib.NewWriter(file), logger: logger.With("archive", path)}, nil
}

// Archive stores raw. Failures are logged and otherwise ignored.
func (a *Archive) Archive(mailbox model.Mailbox, raw []byte) {
	if len(raw) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		a.logger.Warn("archive closed, message dropped", "mailbox", mailbox.Name())
		return
	}
	if err := writeMessage(a.writer, raw, time.Now()); err != nil {
		a.logger.Error("archive message", "mailbox", mailbox.Name(), "error", err)
		return
	}
	a.count++
}

// Count returns how many messages were archived.
func (a *Archive) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil {
		return nil
	}

	var firstErr error
	if err := a.writer.Close(); err != nil {
		firstErr = fmt.Errorf("finish archive: %w", err)
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close archive: %w", err)
	}
	a.writer = nil
	return firstErr
}
