package model

import "time"

// MessageType is the classification assigned by the sort stage.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeGeneral
	TypeBounce
	TypeFeedbackLoop
)

func (t MessageType) String() string {
	switch t {
	case TypeGeneral:
		return "GENERAL"
	case TypeBounce:
		return "BOUNCE"
	case TypeFeedbackLoop:
		return "FEEDBACK_LOOP"
	default:
		return "UNKNOWN"
	}
}

// MailboxKind names the role of a configured mailbox.
type MailboxKind string

const (
	KindCRM    MailboxKind = "crm"
	KindFBL    MailboxKind = "fbl"
	KindBounce MailboxKind = "bounce"
	// KindBackOffice is accepted in configuration but no route consumes it.
	KindBackOffice MailboxKind = "bo"
)

// Kinds lists the kinds that own processed/error counters.
var Kinds = []MailboxKind{KindCRM, KindFBL, KindBounce}

// Protocol selects the mailbox source implementation.
type Protocol string

const (
	ProtocolPOP3 Protocol = "pop3"
	ProtocolIMAP Protocol = "imap"
	ProtocolMbox Protocol = "mbox"
)

// Mailbox describes one configured account. It is immutable after load.
type Mailbox struct {
	Kind               MailboxKind
	Protocol           Protocol
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	Path               string
}

// Name identifies the mailbox in logs.
func (m Mailbox) Name() string {
	if m.Protocol == ProtocolMbox {
		return string(m.Kind) + ":" + m.Path
	}
	return string(m.Kind) + ":" + m.Username + "@" + m.Host
}

// Record is the unit moving through the pipeline. Stages mutate it in place.
type Record struct {
	Mail      *Mail
	Mailbox   Mailbox
	Index     int
	Hash      string
	FetchedAt time.Time

	IsSpam    bool
	Type      MessageType
	Subtype   string
	Recipient string
}

// NewRecord wraps a parsed message fetched from mailbox at index.
func NewRecord(mail *Mail, mailbox Mailbox, index int) *Record {
	return &Record{
		Mail:      mail,
		Mailbox:   mailbox,
		Index:     index,
		FetchedAt: time.Now(),
		Type:      TypeUnknown,
	}
}

// MessageID returns the Message-Id of the wrapped mail, or "" when absent.
func (r *Record) MessageID() string {
	if r == nil || r.Mail == nil {
		return ""
	}
	return r.Mail.MessageID()
}
