package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-crawler/model"
)

func bounceMail(t *testing.T, status string) *model.Mail {
	t.Helper()
	raw := strings.Join([]string{
		"From: MAILER-DAEMON@mx.example.net",
		"To: sender@example.com",
		"Subject: Undelivered Mail Returned to Sender",
		"MIME-Version: 1.0",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="BOUND"`,
		"",
		"--BOUND",
		"Content-Type: text/plain",
		"",
		"Delivery failed.",
		"--BOUND",
		"Content-Type: message/delivery-status",
		"",
		status,
		"--BOUND--",
		"",
	}, "\r\n")
	m, err := model.ParseMail([]byte(raw))
	require.NoError(t, err)
	require.True(t, m.Multipart)
	return m
}

func plainMail(t *testing.T, body string) *model.Mail {
	t.Helper()
	raw := "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\n" + body + "\r\n"
	m, err := model.ParseMail([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	var laterCalls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register("none", RuleFunc(func(*model.Mail) (string, error) { return "", nil })))
	require.NoError(t, reg.Register("first", RuleFunc(func(*model.Mail) (string, error) { return "A", nil })))
	require.NoError(t, reg.Register("second", RuleFunc(func(*model.Mail) (string, error) {
		laterCalls.Add(1)
		return "B", nil
	})))

	chain, err := reg.Chain("none", "first", "second")
	require.NoError(t, err)

	res, err := Evaluate(chain, plainMail(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, Result{Tag: "A", Rule: "first"}, res)
	assert.Zero(t, laterCalls.Load(), "rules after the first match must not run")
}

func TestEvaluate_NoMatch(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("none", RuleFunc(func(*model.Mail) (string, error) { return "", nil })))
	chain, err := reg.Chain("none")
	require.NoError(t, err)

	res, err := Evaluate(chain, plainMail(t, "x"))
	require.NoError(t, err)
	assert.False(t, res.Matched())

	res, err = Evaluate(nil, plainMail(t, "x"))
	require.NoError(t, err)
	assert.False(t, res.Matched())
}

func TestEvaluate_ErrorStopsChain(t *testing.T) {
	boom := errors.New("boom")
	var laterCalls atomic.Int32
	chain := Chain{
		{Name: "bad", Rule: RuleFunc(func(*model.Mail) (string, error) { return "X", boom })},
		{Name: "good", Rule: RuleFunc(func(*model.Mail) (string, error) {
			laterCalls.Add(1)
			return "Y", nil
		})},
	}

	res, err := Evaluate(chain, plainMail(t, "x"))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, Result{}, res)
	assert.Zero(t, laterCalls.Load())
}

func TestEvaluate_PanicBecomesError(t *testing.T) {
	chain := Chain{
		{Name: "panicky", Rule: RuleFunc(func(*model.Mail) (string, error) { panic("nil map") })},
	}
	res, err := Evaluate(chain, plainMail(t, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky")
	assert.Empty(t, res.Tag)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	r := RuleFunc(func(*model.Mail) (string, error) { return "", nil })

	require.NoError(t, reg.Register("a", r))
	require.ErrorIs(t, reg.Register("a", r), ErrDuplicateRule)
	require.Error(t, reg.Register("", r))
	require.Error(t, reg.Register("b", nil))

	_, err := reg.Chain("a", "missing")
	require.ErrorIs(t, err, ErrUnknownRule)

	chain, err := reg.Chain("a", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, chain.Names())
}

func TestDefaultChains(t *testing.T) {
	reg := DefaultRegistry()
	bounce, identify, err := DefaultChains(reg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"not-found-1", "not-found-2", "not-found-3", "not-found-4", "not-found-5", "not-found-6",
		"timeout-1", "timeout-2", "refused-1", "host-not-found-1", "host-not-found-2",
		"full-1", "full-2", "many-connections-1",
	}, bounce.Names())
	assert.Equal(t, []string{"original-recipient"}, identify.Names())
	assert.Len(t, reg.Names(), len(bounce)+len(identify))
}

func TestBounceRules(t *testing.T) {
	bounce, _, err := DefaultChains(DefaultRegistry())
	require.NoError(t, err)

	tests := []struct {
		name     string
		status   string
		wantTag  string
		wantRule string
	}{
		{
			name:     "smtp 550",
			status:   "Diagnostic-Code: smtp; 550 5.1.1 mailbox unavailable",
			wantTag:  BounceNotFound,
			wantRule: "not-found-1",
		},
		{
			name:     "unknown user across lines",
			status:   "Diagnostic-Code: X-Postfix; unknown\r\n    local user",
			wantTag:  BounceNotFound,
			wantRule: "not-found-2",
		},
		{
			name:     "user unknown",
			status:   "Diagnostic-Code: X-Postfix; user is unknown",
			wantTag:  BounceNotFound,
			wantRule: "not-found-3",
		},
		{
			name:     "recipient address rejected",
			status:   "Diagnostic-Code: X-Postfix; Recipient address rejected",
			wantTag:  BounceNotFound,
			wantRule: "not-found-4",
		},
		{
			name:     "recipient unknown",
			status:   "Diagnostic-Code: X-Postfix; recipient is unknown here",
			wantTag:  BounceNotFound,
			wantRule: "not-found-5",
		},
		{
			name:     "operation timed out",
			status:   "Diagnostic-Code: X-Postfix; Operation timed out",
			wantTag:  BounceTimeout,
			wantRule: "timeout-1",
		},
		{
			name:     "conversation timed out",
			status:   "Diagnostic-Code: X-Postfix; conversation with mx timed out",
			wantTag:  BounceTimeout,
			wantRule: "timeout-2",
		},
		{
			name:     "connection refused",
			status:   "Diagnostic-Code: X-Postfix; Connection refused",
			wantTag:  BounceRefused,
			wantRule: "refused-1",
		},
		{
			name:     "host not found",
			status:   "Diagnostic-Code: X-Postfix; Host or domain name not found",
			wantTag:  BounceHostNotFound,
			wantRule: "host-not-found-1",
		},
		{
			name:     "no route to host",
			status:   "Diagnostic-Code: X-Postfix; No route to host",
			wantTag:  BounceHostNotFound,
			wantRule: "host-not-found-2",
		},
		{
			name:     "over quota",
			status:   "Diagnostic-Code: X-Postfix; mailbox over quota",
			wantTag:  BounceFull,
			wantRule: "full-1",
		},
		{
			name:     "quota exceeded",
			status:   "Diagnostic-Code: X-Postfix; quota exceeded",
			wantTag:  BounceFull,
			wantRule: "full-2",
		},
		{
			name:     "too many connections",
			status:   "Diagnostic-Code: X-Postfix; too many connections",
			wantTag:  BounceManyConnections,
			wantRule: "many-connections-1",
		},
		{
			name:   "no diagnostic code",
			status: "Action: failed\r\nStatus: 5.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(bounce, bounceMail(t, "Reporting-MTA: dns; mx.example.net\r\n\r\n"+tt.status))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTag, res.Tag)
			assert.Equal(t, tt.wantRule, res.Rule)
		})
	}
}

func TestBounceRules_SMTP550DoesNotSpanLines(t *testing.T) {
	rule, err := NewPatternRule(BounceNotFound, ScopeDeliveryStatus, bounceDefs[0].pattern)
	require.NoError(t, err)

	tag, err := rule.Check(bounceMail(t, "Diagnostic-Code: smtp;\r\n 550 gone"))
	require.NoError(t, err)
	assert.Empty(t, tag)
}

func TestBounceRules_InvalidMailboxBody(t *testing.T) {
	bounce, _, err := DefaultChains(DefaultRegistry())
	require.NoError(t, err)

	res, err := Evaluate(bounce, plainMail(t, "Sorry.\r\nMessage was not accepted -- invalid mailbox.\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Result{Tag: BounceNotFound, Rule: "not-found-6"}, res)

	// Delivery-status rules ignore non-multipart bodies.
	res, err = Evaluate(bounce, plainMail(t, "Diagnostic-Code: smtp; 550 no such user"))
	require.NoError(t, err)
	assert.False(t, res.Matched())
}

func TestRecipientRule(t *testing.T) {
	rule := NewRecipientRule()

	tests := []struct {
		name string
		mail func(t *testing.T) *model.Mail
		want string
	}{
		{
			name: "crlf",
			mail: func(t *testing.T) *model.Mail {
				return bounceMail(t, "Original-Recipient: rfc822;user@example.org\r\nFinal-Recipient: rfc822;user@example.org")
			},
			want: "user@example.org",
		},
		{
			name: "lf only",
			mail: func(t *testing.T) *model.Mail {
				return bounceMail(t, "Original-Recipient: rfc822; other@example.org\nAction: failed")
			},
			want: "other@example.org",
		},
		{
			name: "case insensitive",
			mail: func(t *testing.T) *model.Mail {
				return bounceMail(t, "original-recipient: RFC822;caps@example.org\r\nAction: failed")
			},
			want: "caps@example.org",
		},
		{
			name: "missing header",
			mail: func(t *testing.T) *model.Mail {
				return bounceMail(t, "Final-Recipient: rfc822;user@example.org\r\nAction: failed")
			},
		},
		{
			name: "non-multipart",
			mail: func(t *testing.T) *model.Mail {
				return plainMail(t, "Original-Recipient: rfc822;user@example.org\r\n")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rule.Check(tt.mail(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewPatternRule(t *testing.T) {
	_, err := NewPatternRule("X", ScopeBody, "(")
	require.Error(t, err)

	_, err = NewPatternRule("X", ScopeBody, " ", "")
	require.Error(t, err)
}

func ExampleEvaluate() {
	reg := NewRegistry()
	_ = reg.Register("always", RuleFunc(func(*model.Mail) (string, error) { return "Tagged", nil }))
	chain, _ := reg.Chain("always")
	res, _ := Evaluate(chain, &model.Mail{})
	fmt.Println(res.Tag, res.Rule)
	// Output: Tagged always
}
