package mbox

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mail-crawler/model"
)

func testMessage(subject string) []byte {
	return []byte("Return-Path: <sender@example.com>\r\n" +
		"From: Sender <sender@example.com>\r\n" +
		"To: crm@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Tue, 05 Mar 2024 07:08:09 +0000\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n" +
		"From the desk of nobody\r\n")
}

func writeArchive(t *testing.T, path string, subjects ...string) {
	t.Helper()
	a, err := NewArchive(path, nil)
	if err != nil {
		t.Fatalf("NewArchive() error = %v", err)
	}
	mb := model.Mailbox{Kind: model.KindCRM, Protocol: model.ProtocolMbox, Path: path}
	for _, s := range subjects {
		a.Archive(mb, testMessage(s))
	}
	a.Archive(mb, nil)
	if got := a.Count(); got != len(subjects) {
		t.Errorf("Count() = %d, want %d", got, len(subjects))
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestArchiveThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	writeArchive(t, path, "one", "two", "three")

	count, err := CountMessages(path)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("CountMessages() = %d, want 3", count)
	}

	var subjects []string
	err = Read(path, func(idx int, raw []byte) error {
		m, err := model.ParseMail(raw)
		if err != nil {
			return err
		}
		subjects = append(subjects, m.Subject())
		if !strings.Contains(string(raw), "the desk of nobody") {
			t.Errorf("message %d lost its body line: %q", idx, raw)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if strings.Join(subjects, ",") != "one,two,three" {
		t.Errorf("subjects = %v", subjects)
	}
}

func TestArchive_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	writeArchive(t, path, "first")
	writeArchive(t, path, "second")

	count, err := CountMessages(path)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountMessages() = %d, want 2", count)
	}
}

func TestSession_FetchDeleteClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	writeArchive(t, path, "a", "b", "c")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	n, _ := s.Count()
	if n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}

	raw, err := s.Fetch(2)
	if err != nil {
		t.Fatalf("Fetch(2) error = %v", err)
	}
	if !strings.Contains(string(raw), "Subject: b") {
		t.Errorf("Fetch(2) = %q, want message b", raw)
	}
	if _, err := s.Fetch(0); err == nil {
		t.Error("Fetch(0) should fail")
	}
	if _, err := s.Fetch(4); err == nil {
		t.Error("Fetch(4) should fail")
	}

	if err := s.Delete(1); err != nil {
		t.Fatalf("Delete(1) error = %v", err)
	}
	if err := s.Delete(3); err != nil {
		t.Fatalf("Delete(3) error = %v", err)
	}
	if err := s.Delete(9); err == nil {
		t.Error("Delete(9) should fail")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	n, _ = reopened.Count()
	if n != 1 {
		t.Fatalf("Count() after delete = %d, want 1", n)
	}
	raw, _ = reopened.Fetch(1)
	if !strings.Contains(string(raw), "Subject: b") {
		t.Errorf("remaining message = %q, want b", raw)
	}
}

func TestSession_CloseKeepsAppendedMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	writeArchive(t, path, "a", "b")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Delete(1); err != nil {
		t.Fatalf("Delete(1) error = %v", err)
	}

	writeArchive(t, path, "late")

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var subjects []string
	err = Read(path, func(_ int, raw []byte) error {
		m, err := model.ParseMail(raw)
		if err != nil {
			return err
		}
		subjects = append(subjects, m.Subject())
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []string{"b", "late"}
	if strings.Join(subjects, ",") != strings.Join(want, ",") {
		t.Errorf("subjects after close = %v, want %v", subjects, want)
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(" ", nil); err == nil {
		t.Error("Open with empty path should fail")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mbox"), nil); err == nil {
		t.Error("Open of a missing file should fail")
	}
}

func TestEnvelope(t *testing.T) {
	from, date := envelope(testMessage("x"), date0)
	if from != "sender@example.com" {
		t.Errorf("from = %q", from)
	}
	if date.Year() != 2024 {
		t.Errorf("date = %v", date)
	}

	from, date = envelope([]byte("garbage without header end"), date0)
	if from != "MAILER-DAEMON" || !date.Equal(date0) {
		t.Errorf("fallback = %q %v", from, date)
	}
}

var date0 = mustTime("2000-01-01T00:00:00Z")

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
