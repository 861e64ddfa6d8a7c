package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mail-crawler/model"
)

// Bounce type tags.
const (
	BounceFull            = "BounceTypeFull"
	BounceTimeout         = "BounceTypeTimeout"
	BounceRefused         = "BounceTypeRefused"
	BounceNotFound        = "BounceTypeNotFound"
	BounceInactive        = "BounceTypeInactive"
	BounceOutOfOffice     = "BounceTypeOutOfOffice"
	BounceHostNotFound    = "BounceTypeHostNotFound"
	BounceNotAuthorized   = "BounceTypeNotAuthorized"
	BounceManyConnections = "BounceTypeManyConnections"
)

// Scope selects which text of a message a pattern rule looks at.
type Scope int

const (
	// ScopeDeliveryStatus matches any message/delivery-status part of a
	// multipart message.
	ScopeDeliveryStatus Scope = iota
	// ScopeBody matches the body of a non-multipart message.
	ScopeBody
)

// PatternRule returns Tag when any of its patterns matches the scoped text.
type PatternRule struct {
	Tag      string
	Scope    Scope
	patterns []*regexp.Regexp
}

// NewPatternRule compiles patterns into a rule. Blank patterns are ignored.
func NewPatternRule(tag string, scope Scope, patterns ...string) (*PatternRule, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	if len(compiled) == 0 {
		return nil, fmt.Errorf("rule %s: no patterns", tag)
	}
	return &PatternRule{Tag: tag, Scope: scope, patterns: compiled}, nil
}

func (r *PatternRule) Check(m *model.Mail) (string, error) {
	if m == nil {
		return "", nil
	}
	switch r.Scope {
	case ScopeBody:
		if m.Multipart {
			return "", nil
		}
		if matchAny(r.patterns, m.BodyText()) {
			return r.Tag, nil
		}
	default:
		if !m.Multipart {
			return "", nil
		}
		for _, part := range m.DeliveryStatusParts() {
			if matchAny(r.patterns, part.Text()) {
				return r.Tag, nil
			}
		}
	}
	return "", nil
}

type bounceDef struct {
	name    string
	tag     string
	scope   Scope
	pattern string
}

// Compiled-in bounce rules in evaluation order. not-found-1 is the only
// pattern that does not span lines.
var bounceDefs = []bounceDef{
	{"not-found-1", BounceNotFound, ScopeDeliveryStatus, `(?i)Diagnostic-Code:.+smtp.+550`},
	{"not-found-2", BounceNotFound, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+unknown.+user`},
	{"not-found-3", BounceNotFound, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+user.+unknown`},
	{"not-found-4", BounceNotFound, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+recipient.+address.+rejected`},
	{"not-found-5", BounceNotFound, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+recipient.+unknown`},
	{"not-found-6", BounceNotFound, ScopeBody, `(?is)Message was not accepted -- invalid mailbox`},
	{"timeout-1", BounceTimeout, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+Operation.+time.+out`},
	{"timeout-2", BounceTimeout, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+conversation.+time.+out`},
	{"refused-1", BounceRefused, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+Connection.+refused`},
	{"host-not-found-1", BounceHostNotFound, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+Host.+not.+found`},
	{"host-not-found-2", BounceHostNotFound, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+No.+route.+to.+host`},
	{"full-1", BounceFull, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+over.+quota`},
	{"full-2", BounceFull, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+quota.+exceed`},
	{"many-connections-1", BounceManyConnections, ScopeDeliveryStatus, `(?is)Diagnostic-Code:.+too.+many.+connections`},
}

// DefaultBounceRules returns the compiled-in bounce-type chain order.
func DefaultBounceRules() []string {
	names := make([]string, len(bounceDefs))
	for i, d := range bounceDefs {
		names[i] = d.name
	}
	return names
}

// IdentifyOriginalRecipient is the name of the built-in identification rule.
const IdentifyOriginalRecipient = "original-recipient"

// DefaultIdentifyRules returns the compiled-in identification chain order.
func DefaultIdentifyRules() []string {
	return []string{IdentifyOriginalRecipient}
}

// RecipientRule extracts the bounced address from the first delivery-status
// part that names it.
type RecipientRule struct {
	re *regexp.Regexp
}

// The line terminator is matched as an optional CR so LF-only mbox
// messages are handled like CRLF ones.
var originalRecipientRe = regexp.MustCompile(`(?im)Original-Recipient: rfc822;(.+?)\r?$`)

func NewRecipientRule() *RecipientRule {
	return &RecipientRule{re: originalRecipientRe}
}

func (r *RecipientRule) Check(m *model.Mail) (string, error) {
	if m == nil || !m.Multipart {
		return "", nil
	}
	for _, part := range m.DeliveryStatusParts() {
		match := r.re.FindStringSubmatch(part.Text())
		if match == nil {
			continue
		}
		return strings.TrimSpace(match[1]), nil
	}
	return "", nil
}

// RegisterDefaults adds every built-in rule to reg.
func RegisterDefaults(reg *Registry) error {
	for _, d := range bounceDefs {
		rule, err := NewPatternRule(d.tag, d.scope, d.pattern)
		if err != nil {
			return fmt.Errorf("built-in rule %s: %w", d.name, err)
		}
		if err := reg.Register(d.name, rule); err != nil {
			return err
		}
	}
	return reg.Register(IdentifyOriginalRecipient, NewRecipientRule())
}

// DefaultRegistry returns a registry holding every built-in rule.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	if err := RegisterDefaults(reg); err != nil {
		panic(err)
	}
	return reg
}

// DefaultChains resolves the compiled-in bounce-type and identification
// chains from reg.
func DefaultChains(reg *Registry) (bounce, identify Chain, err error) {
	bounce, err = reg.Chain(DefaultBounceRules()...)
	if err != nil {
		return nil, nil, err
	}
	identify, err = reg.Chain(DefaultIdentifyRules()...)
	if err != nil {
		return nil, nil, err
	}
	return bounce, identify, nil
}
