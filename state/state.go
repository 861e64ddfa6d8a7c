// Package state remembers which messages were already admitted so a mailbox
// that is not emptied after reading is not crawled twice.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileName = "crawled.jsonl"

// Tracker records processed messages per mailbox.
type Tracker interface {
	Seen(mailbox, hash string) bool
	Mark(mailbox, hash, messageID string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
	Mailboxes int
}

func key(mailbox, hash string) string {
	return mailbox + "\x00" + hash
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
	mailboxes map[string]int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		processed: make(map[string]string),
		mailboxes: make(map[string]int),
	}
}

func (m *MemoryTracker) Seen(mailbox, hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[key(mailbox, hash)]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) Mark(mailbox, hash, messageID string) error {
	m.add(mailbox, hash, messageID)
	return nil
}

// add reports whether the entry was new.
func (m *MemoryTracker) add(mailbox, hash, messageID string) bool {
	if hash == "" {
		return false
	}
	k := key(mailbox, hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[k]; ok {
		return false
	}
	m.processed[k] = messageID
	m.mailboxes[mailbox]++
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Processed: len(m.processed), Mailboxes: len(m.mailboxes)}
}

// FileTracker appends every new entry to a JSONL file in the state
// directory and reloads it on start.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Mailbox   string    `json:"mailbox"`
	Hash      string    `json:"hash"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

func NewFileTracker(stateDir string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, fileName),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriterSize(file, 64*1024)

	return tracker, nil
}

// Path is the location of the state file.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		f.add(record.Mailbox, record.Hash, record.MessageID)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) Mark(mailbox, hash, messageID string) error {
	if !f.add(mailbox, hash, messageID) {
		return nil
	}

	data, err := json.Marshal(fileRecord{Mailbox: mailbox, Hash: hash, MessageID: messageID, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes buffered entries to disk. The crawler calls it after every
// pass.
func (f *FileTracker) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
