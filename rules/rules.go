// Package rules evaluates ordered chains of message rules. The first rule
// that returns a non-empty tag decides the result.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dhcgn/mail-crawler/model"
)

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrDuplicateRule = errors.New("rule already registered")
)

// Rule inspects a message and returns a tag, or "" when it does not apply.
type Rule interface {
	Check(m *model.Mail) (string, error)
}

// RuleFunc adapts a plain function to Rule.
type RuleFunc func(m *model.Mail) (string, error)

func (f RuleFunc) Check(m *model.Mail) (string, error) {
	return f(m)
}

// Named pairs a rule with the name it was registered under.
type Named struct {
	Name string
	Rule Rule
}

// Chain is an ordered list of rules.
type Chain []Named

// Names returns the rule names in evaluation order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, n := range c {
		names[i] = n.Name
	}
	return names
}

// Registry maps stable names to rules. It is populated at startup and only
// read afterwards.
type Registry struct {
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds rule under name.
func (r *Registry) Register(name string, rule Rule) error {
	if name == "" || rule == nil {
		return fmt.Errorf("register rule %q: name and rule are required", name)
	}
	if _, ok := r.rules[name]; ok {
		return fmt.Errorf("register rule %q: %w", name, ErrDuplicateRule)
	}
	r.rules[name] = rule
	return nil
}

// Chain resolves names, in the given order, into a Chain.
func (r *Registry) Chain(names ...string) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		rule, ok := r.rules[name]
		if !ok {
			return nil, fmt.Errorf("rule %q: %w", name, ErrUnknownRule)
		}
		chain = append(chain, Named{Name: name, Rule: rule})
	}
	return chain, nil
}

// Names lists every registered rule, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Result is the outcome of a chain evaluation. Rule is empty when nothing
// matched.
type Result struct {
	Tag  string
	Rule string
}

func (r Result) Matched() bool {
	return r.Tag != ""
}

// Evaluate runs chain against m in order. It stops at the first non-empty
// tag. A rule error or panic ends evaluation and is returned with an empty
// result.
func Evaluate(chain Chain, m *model.Mail) (Result, error) {
	for _, n := range chain {
		tag, err := check(n, m)
		if err != nil {
			return Result{}, err
		}
		if tag != "" {
			return Result{Tag: tag, Rule: n.Name}, nil
		}
	}
	return Result{}, nil
}

func check(n Named, m *model.Mail) (tag string, err error) {
	defer func() {
		if r := recover(); r != nil {
			tag = ""
			err = fmt.Errorf("rule %s panicked: %v", n.Name, r)
		}
	}()
	tag, err = n.Rule.Check(m)
	if err != nil {
		return "", fmt.Errorf("rule %s: %w", n.Name, err)
	}
	return tag, nil
}
