package model

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
)

const (
	MediaDeliveryStatus = "message/delivery-status"
	MediaFeedbackReport = "message/feedback-report"
)

var ErrEmptyMessage = errors.New("message is empty")

// Part is one leaf of the MIME tree with its decoded body.
type Part struct {
	MediaType   string
	Charset     string
	Disposition string
	Filename    string
	Body        []byte
}

// Text returns the decoded body as a string.
func (p Part) Text() string {
	return string(p.Body)
}

// IsAttachment reports whether the part was sent as a file.
func (p Part) IsAttachment() bool {
	return p.Disposition == "attachment" || (p.Filename != "" && p.Disposition != "inline")
}

// Mail is a fully buffered, parsed message. Rules may read it any number of
// times and from several goroutines.
type Mail struct {
	Header    mail.Header
	Raw       []byte
	Multipart bool
	Parts     []Part
	// Truncated is set when the MIME structure ended early. Parts holds
	// what was read up to that point.
	Truncated bool
}

// ParseMail reads raw into a Mail. Unknown charsets and transfer encodings
// are tolerated; the affected parts keep their undecoded bytes.
func ParseMail(raw []byte) (*Mail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}

	m := &Mail{
		Header:    mail.Header{Header: entity.Header},
		Raw:       raw,
		Multipart: entity.MultipartReader() != nil,
	}

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !tolerable(err) {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			if !truncated(err) {
				return fmt.Errorf("read part %v: %w", path, err)
			}
			m.Parts = append(m.Parts, newPart(part.Header, body))
			return errStopWalk
		}
		m.Parts = append(m.Parts, newPart(part.Header, body))
		return nil
	})
	switch {
	case walkErr == nil:
	case errors.Is(walkErr, errStopWalk), truncated(walkErr):
		// Keep the parts read before the message ended.
		m.Truncated = true
	default:
		return nil, fmt.Errorf("walk message: %w", walkErr)
	}

	return m, nil
}

var errStopWalk = errors.New("stop walk")

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// truncated reports whether err means the MIME structure ended early, such
// as a multipart body without its closing boundary.
func truncated(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || strings.HasPrefix(err.Error(), "multipart:")
}

func newPart(h message.Header, body []byte) Part {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	p := Part{
		MediaType: strings.ToLower(mediaType),
		Charset:   params["charset"],
		Body:      body,
	}
	if disp, dparams, err := h.ContentDisposition(); err == nil {
		p.Disposition = strings.ToLower(disp)
		p.Filename = dparams["filename"]
	}
	if p.Filename == "" {
		p.Filename = params["name"]
	}
	return p
}

// PartsOf returns the leaf parts with the given media type, in order.
func (m *Mail) PartsOf(mediaType string) []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.MediaType == mediaType {
			out = append(out, p)
		}
	}
	return out
}

// DeliveryStatusParts returns every message/delivery-status part.
func (m *Mail) DeliveryStatusParts() []Part {
	return m.PartsOf(MediaDeliveryStatus)
}

// BodyText returns the body of a non-multipart message.
func (m *Mail) BodyText() string {
	if len(m.Parts) == 0 {
		return ""
	}
	return m.Parts[0].Text()
}

// TextBody prefers the first text/plain part and falls back to the first
// text/html part rendered as plain text.
func (m *Mail) TextBody() (body, charset string) {
	for _, p := range m.Parts {
		if p.MediaType == "text/plain" && !p.IsAttachment() {
			return p.Text(), p.Charset
		}
	}
	for _, p := range m.Parts {
		if p.MediaType == "text/html" && !p.IsAttachment() {
			return html2text.HTML2Text(p.Text()), p.Charset
		}
	}
	return "", ""
}

// Attachments returns every part sent as a file.
func (m *Mail) Attachments() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.IsAttachment() {
			out = append(out, p)
		}
	}
	return out
}

func (m *Mail) MessageID() string {
	id, err := m.Header.MessageID()
	if err != nil || id == "" {
		return strings.Trim(strings.TrimSpace(m.Header.Get("Message-Id")), "<>")
	}
	return id
}

func (m *Mail) Subject() string {
	s, err := m.Header.Subject()
	if err != nil {
		return m.Header.Get("Subject")
	}
	return s
}

// From returns the first From address, or nil.
func (m *Mail) From() *mail.Address {
	return m.firstAddress("From")
}

// To returns the first To address, or nil.
func (m *Mail) To() *mail.Address {
	return m.firstAddress("To")
}

func (m *Mail) firstAddress(key string) *mail.Address {
	list, err := m.Header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	return list[0]
}

// Date returns the Date header, or the zero time.
func (m *Mail) Date() time.Time {
	t, err := m.Header.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// FeedbackReport carries the fields of an ARF message/feedback-report part.
type FeedbackReport struct {
	FeedbackType     string
	SourceIP         string
	AuthResults      string
	OriginalRcptTo   string
	OriginalMailFrom string
	OriginalSubject  string
}

// FeedbackReport parses the first message/feedback-report part. ok is false
// when the message carries none.
func (m *Mail) FeedbackReport() (report FeedbackReport, ok bool) {
	parts := m.PartsOf(MediaFeedbackReport)
	if len(parts) == 0 {
		return FeedbackReport{}, false
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(terminateHeader(parts[0].Body))))
	if err != nil {
		return FeedbackReport{}, false
	}

	report = FeedbackReport{
		FeedbackType:     h.Get("Feedback-Type"),
		SourceIP:         h.Get("Source-IP"),
		AuthResults:      h.Get("Authentication-Results"),
		OriginalRcptTo:   strings.Trim(h.Get("Original-Rcpt-To"), "<> "),
		OriginalMailFrom: strings.Trim(h.Get("Original-Mail-From"), "<> "),
	}

	for _, p := range m.Parts {
		if p.MediaType != "message/rfc822" && p.MediaType != "text/rfc822-headers" {
			continue
		}
		orig, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(terminateHeader(p.Body))))
		if err == nil {
			report.OriginalSubject = orig.Get("Subject")
		}
		break
	}

	return report, true
}

// terminateHeader makes sure a header-only block ends with the blank line
// textproto.ReadHeader expects.
func terminateHeader(b []byte) []byte {
	if bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n")) {
		return b
	}
	out := make([]byte, 0, len(b)+4)
	out = append(out, bytes.TrimRight(b, "\r\n")...)
	return append(out, "\r\n\r\n"...)
}

// Hash returns a stable identifier for the raw bytes of a message.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
