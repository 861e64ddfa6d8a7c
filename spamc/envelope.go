package spamc

import (
	"net"
	"os"
	"strings"
	"time"
)

const (
	ctimeLayout   = "Mon Jan 02 15:04:05 2006"
	rfc2822Layout = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// CheckArgs describe the synthetic message wrapped around Text before it
// is sent to spamd.
type CheckArgs struct {
	Date              time.Time
	SenderName        string
	SenderAddress     string
	SenderHostName    string
	SenderHostAddress string
	ServerHostName    string
	ReceiverAddress   string
	Subject           string
	Text              string
}

// NewCheckArgs fills the envelope with local host details and the given
// addresses.
func NewCheckArgs(sender, receiver, text string) CheckArgs {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return CheckArgs{
		Date:              time.Now(),
		SenderName:        "mail-crawler",
		SenderAddress:     sender,
		SenderHostName:    host,
		SenderHostAddress: hostAddress(host),
		ServerHostName:    host,
		ReceiverAddress:   receiver,
		Subject:           "mail-crawler comment",
		Text:              text,
	}
}

func hostAddress(host string) string {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	return addrs[0]
}

// Envelope renders the message with CRLF line endings.
func (a CheckArgs) Envelope() string {
	date := a.Date
	if date.IsZero() {
		date = time.Now()
	}
	date = date.UTC()
	rfcDate := date.Format(rfc2822Layout)

	lines := []string{
		"From " + a.SenderAddress + " " + date.Format(ctimeLayout),
		"Received: from " + a.SenderHostName + " (" + a.SenderHostAddress + ") by " + a.ServerHostName + " with SMTP via mail-crawler;",
		"\t" + rfcDate,
		"From: " + a.SenderName + " <" + a.SenderAddress + ">",
		"Date: " + rfcDate,
		"Subject: " + a.Subject,
		"To: " + a.ReceiverAddress,
		"",
		toCRLF(a.Text),
	}
	return strings.Join(lines, "\r\n")
}

func toCRLF(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n")
}
