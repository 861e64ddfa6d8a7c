// Package source opens a mailbox session for any configured protocol.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/mail-crawler/imap"
	"github.com/dhcgn/mail-crawler/mbox"
	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/pop3"
)

// Session is an open mailbox. Indexes are 1-based.
type Session interface {
	Count() (int, error)
	Fetch(i int) ([]byte, error)
	Delete(i int) error
	Close() error
}

// Opener opens a session for a mailbox descriptor.
type Opener interface {
	Open(ctx context.Context, mb model.Mailbox) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, mb model.Mailbox) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, mb model.Mailbox) (Session, error) {
	return f(ctx, mb)
}

// ConnectObserver records how long opening a mailbox took.
type ConnectObserver interface {
	ObserveConnect(kind model.MailboxKind, d time.Duration)
}

// Dialer opens sessions by protocol.
type Dialer struct {
	Logger   *slog.Logger
	Observer ConnectObserver
}

func NewDialer(logger *slog.Logger, observer ConnectObserver) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{Logger: logger, Observer: observer}
}

func (d *Dialer) Open(ctx context.Context, mb model.Mailbox) (Session, error) {
	start := time.Now()
	s, err := d.open(ctx, mb)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	if d.Observer != nil {
		d.Observer.ObserveConnect(mb.Kind, elapsed)
	}
	d.logger().Debug("mailbox opened", "mailbox", mb.Name(), "protocol", mb.Protocol, "elapsed", elapsed)
	return s, nil
}

func (d *Dialer) open(ctx context.Context, mb model.Mailbox) (Session, error) {
	logger := d.logger().With("mailbox", mb.Name())
	var (
		s   Session
		err error
	)
	switch mb.Protocol {
	case model.ProtocolPOP3, "":
		s, err = unwrap(pop3.Dial(ctx, mb, logger))
	case model.ProtocolIMAP:
		s, err = unwrap(imap.Dial(ctx, mb, logger))
	case model.ProtocolMbox:
		s, err = unwrap(mbox.Open(mb.Path, logger))
	default:
		return nil, fmt.Errorf("unsupported mailbox protocol %q", mb.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mb.Name(), err)
	}
	return s, nil
}

// unwrap keeps a nil *T from turning into a non-nil Session.
func unwrap[T Session](s T, err error) (Session, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
