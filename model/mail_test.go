package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMail = "From: Jane Doe <jane@example.com>\r\n" +
	"To: support@example.org\r\n" +
	"Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n" +
	"Message-Id: <abc@example.com>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: text/csv; name=\"data.csv\"\r\n" +
	"Content-Disposition: attachment; filename=\"data.csv\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"YSxiCjEsMgo=\r\n" +
	"--outer--\r\n"

func TestParseMailMultipart(t *testing.T) {
	m, err := ParseMail([]byte(multipartMail))
	require.NoError(t, err)

	assert.True(t, m.Multipart)
	require.Len(t, m.Parts, 3)

	var types []string
	for _, p := range m.Parts {
		types = append(types, p.MediaType)
	}
	if diff := cmp.Diff([]string{"text/plain", "text/html", "text/csv"}, types); diff != "" {
		t.Errorf("part media types (-want +got):\n%s", diff)
	}

	assert.Equal(t, "abc@example.com", m.MessageID())
	assert.Equal(t, "Grüße", m.Subject())
	require.NotNil(t, m.From())
	assert.Equal(t, "Jane Doe", m.From().Name)
	assert.Equal(t, "jane@example.com", m.From().Address)
	require.NotNil(t, m.To())
	assert.Equal(t, "support@example.org", m.To().Address)
	assert.True(t, m.Date().Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))

	body, charset := m.TextBody()
	assert.Equal(t, "plain body", strings.TrimSpace(body))
	assert.Equal(t, "utf-8", charset)

	attachments := m.Attachments()
	require.Len(t, attachments, 1)
	assert.Equal(t, "data.csv", attachments[0].Filename)
	assert.Equal(t, "a,b\n1,2\n", string(attachments[0].Body))
}

func TestParseMailSinglePart(t *testing.T) {
	m, err := ParseMail([]byte("Subject: hi\r\n\r\nMessage was not accepted -- invalid mailbox\r\n"))
	require.NoError(t, err)

	assert.False(t, m.Multipart)
	assert.Contains(t, m.BodyText(), "invalid mailbox")
	assert.Empty(t, m.DeliveryStatusParts())
	assert.Empty(t, m.MessageID())
	assert.Nil(t, m.From())
	assert.True(t, m.Date().IsZero())
}

func TestParseMailEmpty(t *testing.T) {
	for _, raw := range []string{"", "  \r\n\t"} {
		_, err := ParseMail([]byte(raw))
		assert.True(t, errors.Is(err, ErrEmptyMessage), "input %q", raw)
	}
}

func TestParseMailUnknownCharset(t *testing.T) {
	m, err := ParseMail([]byte("Subject: x\r\nContent-Type: text/plain; charset=x-unknown-42\r\n\r\nbytes stay\r\n"))
	require.NoError(t, err)
	assert.Contains(t, m.BodyText(), "bytes stay")
}

func TestTextBodyHTMLFallback(t *testing.T) {
	m, err := ParseMail([]byte("Subject: x\r\nContent-Type: text/html; charset=utf-8\r\n\r\n<div>Hello <b>World</b></div>\r\n"))
	require.NoError(t, err)

	body, charset := m.TextBody()
	assert.Contains(t, body, "Hello")
	assert.Contains(t, body, "World")
	assert.NotContains(t, body, "<b>")
	assert.Equal(t, "utf-8", charset)
}

func TestDeliveryStatusParts(t *testing.T) {
	raw := "Subject: failure\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"r\"\r\n\r\n" +
		"--r\r\nContent-Type: text/plain\r\n\r\nsorry\r\n" +
		"--r\r\nContent-Type: message/delivery-status\r\n\r\nAction: failed\r\n" +
		"--r--\r\n"
	m, err := ParseMail([]byte(raw))
	require.NoError(t, err)

	parts := m.DeliveryStatusParts()
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0].Text(), "Action: failed")
}

func TestFeedbackReport(t *testing.T) {
	raw := "Subject: report\r\n" +
		"Content-Type: multipart/report; report-type=feedback-report; boundary=\"f\"\r\n\r\n" +
		"--f\r\nContent-Type: text/plain\r\n\r\nabuse report\r\n" +
		"--f\r\nContent-Type: message/feedback-report\r\n\r\n" +
		"Feedback-Type: abuse\r\n" +
		"Source-IP: 198.51.100.7\r\n" +
		"Authentication-Results: mx.isp.example; spf=pass\r\n" +
		"Original-Rcpt-To: <victim@isp.example>\r\n" +
		"Original-Mail-From: <list@example.org>\r\n" +
		"--f\r\nContent-Type: message/rfc822\r\n\r\n" +
		"From: list@example.org\r\nSubject: Newsletter 42\r\n\r\nbody\r\n" +
		"--f--\r\n"
	m, err := ParseMail([]byte(raw))
	require.NoError(t, err)

	report, ok := m.FeedbackReport()
	require.True(t, ok)
	want := FeedbackReport{
		FeedbackType:     "abuse",
		SourceIP:         "198.51.100.7",
		AuthResults:      "mx.isp.example; spf=pass",
		OriginalRcptTo:   "victim@isp.example",
		OriginalMailFrom: "list@example.org",
		OriginalSubject:  "Newsletter 42",
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("FeedbackReport() mismatch (-want +got):\n%s", diff)
	}

	plain, err := ParseMail([]byte("Subject: x\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	_, ok = plain.FeedbackReport()
	assert.False(t, ok)
}

func TestHashIsStable(t *testing.T) {
	a := Hash([]byte("message"))
	assert.Equal(t, a, Hash([]byte("message")))
	assert.NotEqual(t, a, Hash([]byte("message ")))
}

func TestMailboxName(t *testing.T) {
	assert.Equal(t, "crm:support@pop.example.org", Mailbox{Kind: KindCRM, Host: "pop.example.org", Username: "support"}.Name())
	assert.Equal(t, "bounce:/var/mail/bounces", Mailbox{Kind: KindBounce, Protocol: ProtocolMbox, Path: "/var/mail/bounces"}.Name())
}

func TestRecord(t *testing.T) {
	var nilRec *Record
	assert.Empty(t, nilRec.MessageID())

	m, err := ParseMail([]byte("Message-Id: <r@x>\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	rec := NewRecord(m, Mailbox{Kind: KindFBL}, 3)
	assert.Equal(t, TypeUnknown, rec.Type)
	assert.Equal(t, "r@x", rec.MessageID())
	assert.Equal(t, 3, rec.Index)
	assert.False(t, rec.FetchedAt.IsZero())
}

func TestMessageTypeString(t *testing.T) {
	tests := map[MessageType]string{
		TypeUnknown:      "UNKNOWN",
		TypeGeneral:      "GENERAL",
		TypeBounce:       "BOUNCE",
		TypeFeedbackLoop: "FEEDBACK_LOOP",
		MessageType(99):  "UNKNOWN",
	}
	for typ, want := range tests {
		assert.Equal(t, want, typ.String())
	}
}

func TestParseMailTruncatedMultipart(t *testing.T) {
	raw := "From: MAILER-DAEMON@mx.example.net\r\n" +
		"Subject: Undelivered Mail Returned to Sender\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"bd\"\r\n" +
		"\r\n" +
		"--bd\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Delivery failed.\r\n" +
		"--bd\r\n" +
		"Content-Type: message/delivery-status\r\n" +
		"\r\n" +
		"Original-Recipient: rfc822;gone@example.com\r\n" +
		"Diagnostic-Code: smtp; 550 5.1.1 user unknown\r\n"

	m, err := ParseMail([]byte(raw))
	require.NoError(t, err)

	assert.True(t, m.Truncated)
	assert.True(t, m.Multipart)
	require.Len(t, m.Parts, 2)
	status := m.DeliveryStatusParts()
	require.Len(t, status, 1)
	assert.Contains(t, status[0].Text(), "Original-Recipient: rfc822;gone@example.com")
	assert.Contains(t, status[0].Text(), "550 5.1.1 user unknown")

	complete, err := ParseMail([]byte(multipartMail))
	require.NoError(t, err)
	assert.False(t, complete.Truncated)
}
