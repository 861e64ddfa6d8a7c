package spamc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CheckResult is the verdict spamd reports in its Spam header.
type CheckResult struct {
	IsSpam    bool
	Score     float64
	Threshold float64
}

type SymbolsResult struct {
	CheckResult
	Symbols []string
}

type ReportResult struct {
	CheckResult
	Report string
}

type TellResult struct {
	DidSet    bool
	DidRemove bool
}

// Check asks spamd whether the message is spam.
func (c *Client) Check(ctx context.Context, args CheckArgs) (CheckResult, error) {
	resp, err := c.Do(ctx, CmdCheck, args.Envelope())
	if err != nil {
		return CheckResult{}, err
	}
	res, _, err := parseVerdict(resp.Body)
	return res, err
}

// Symbols returns the verdict and the names of the tests that hit.
func (c *Client) Symbols(ctx context.Context, args CheckArgs) (SymbolsResult, error) {
	resp, err := c.Do(ctx, CmdSymbols, args.Envelope())
	if err != nil {
		return SymbolsResult{}, err
	}
	verdict, extra, err := parseVerdict(resp.Body)
	if err != nil {
		return SymbolsResult{}, err
	}

	res := SymbolsResult{CheckResult: verdict}
	lines := splitLines(joinLines(extra))
	if len(lines) == 0 {
		return res, nil
	}
	for _, sym := range strings.Split(lines[0], ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			res.Symbols = append(res.Symbols, sym)
		}
	}
	return res, nil
}

// Report returns the verdict and the textual report.
func (c *Client) Report(ctx context.Context, args CheckArgs) (ReportResult, error) {
	return c.report(ctx, CmdReport, args)
}

// ReportIfSpam is Report, but spamd only sends the report text for spam.
func (c *Client) ReportIfSpam(ctx context.Context, args CheckArgs) (ReportResult, error) {
	return c.report(ctx, CmdReportIfSpam, args)
}

func (c *Client) report(ctx context.Context, cmd Command, args CheckArgs) (ReportResult, error) {
	resp, err := c.Do(ctx, cmd, args.Envelope())
	if err != nil {
		return ReportResult{}, err
	}
	verdict, extra, err := parseVerdict(resp.Body)
	if err != nil {
		return ReportResult{}, err
	}
	return ReportResult{CheckResult: verdict, Report: joinLines(extra)}, nil
}

// Process returns the message as rewritten by spamd.
func (c *Client) Process(ctx context.Context, args CheckArgs) (string, error) {
	resp, err := c.Do(ctx, CmdProcess, args.Envelope())
	if err != nil {
		return "", err
	}
	lines := splitLines(resp.Body)
	if len(lines) <= 1 {
		return "", nil
	}
	return joinLines(lines[1:]), nil
}

// Ping checks that spamd is alive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, CmdPing, "")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp.Message, "PONG") {
		perr := &ProtocolError{Code: resp.Code, Message: resp.Message}
		return fmt.Errorf("spamd PING: want PONG: %w: %w", perr, ErrMalformedResponse)
	}
	return nil
}

// Skip tells spamd the connection will not be used.
func (c *Client) Skip(ctx context.Context) error {
	_, err := c.Do(ctx, CmdSkip, "")
	return err
}

// Location is a bit set of learning databases.
type Location int

const (
	LocationLocal Location = 1 << iota
	LocationRemote
)

func (l Location) String() string {
	var parts []string
	if l&LocationLocal != 0 {
		parts = append(parts, "local")
	}
	if l&LocationRemote != 0 {
		parts = append(parts, "remote")
	}
	return strings.Join(parts, ", ")
}

// TellAction is a high-level learning request.
type TellAction int

const (
	LearnSpam TellAction = iota
	ForgetLearned
	ReportSpam
	RevokeHam
)

// Locations maps the action onto the databases to set and remove.
func (a TellAction) Locations() (set, remove Location, err error) {
	switch a {
	case LearnSpam:
		return LocationLocal, 0, nil
	case ForgetLearned:
		return 0, LocationLocal, nil
	case ReportSpam:
		return LocationLocal | LocationRemote, 0, nil
	case RevokeHam:
		return LocationLocal, LocationRemote, nil
	default:
		return 0, 0, fmt.Errorf("unknown tell action %d", int(a))
	}
}

// ParseTellAction accepts learn, forget, report and revoke.
func ParseTellAction(s string) (TellAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "learn":
		return LearnSpam, nil
	case "forget":
		return ForgetLearned, nil
	case "report":
		return ReportSpam, nil
	case "revoke":
		return RevokeHam, nil
	default:
		return 0, fmt.Errorf("unknown tell action %q", s)
	}
}

// Tell teaches spamd about the message.
func (c *Client) Tell(ctx context.Context, action TellAction, args CheckArgs) (TellResult, error) {
	set, remove, err := action.Locations()
	if err != nil {
		return TellResult{}, err
	}

	resp, err := c.Do(ctx, CmdTell, tellBody(set, remove, args))
	if err != nil {
		return TellResult{}, err
	}

	body := strings.ToLower(resp.Body)
	return TellResult{
		DidSet:    strings.Contains(body, "didset"),
		DidRemove: strings.Contains(body, "didremove"),
	}, nil
}

func tellBody(set, remove Location, args CheckArgs) string {
	var sb strings.Builder
	sb.WriteString("Message-class: spam\r\n")
	if set != 0 {
		sb.WriteString("Set: " + set.String() + "\r\n")
	}
	if remove != 0 {
		sb.WriteString("Remove: " + remove.String() + "\r\n")
	}
	sb.WriteString("\r\n")
	sb.WriteString(args.Envelope())
	sb.WriteString("\r\n")
	return sb.String()
}

// parseVerdict reads the Spam header and returns the lines that follow the
// response headers.
func parseVerdict(body string) (CheckResult, []string, error) {
	lines := splitLines(body)
	if len(lines) == 0 {
		return CheckResult{}, nil, fmt.Errorf("%w: no Spam header", ErrMalformedResponse)
	}

	spamLine, end := 0, 1
	for i := 0; i < len(lines) && isResponseHeader(lines[i]); i++ {
		if strings.HasPrefix(strings.ToLower(lines[i]), "spam:") {
			spamLine = i
		}
		end = i + 1
	}

	fields := strings.Split(lines[spamLine], " ")
	if len(fields) < 6 {
		return CheckResult{}, nil, fmt.Errorf("%w: spam header %q", ErrMalformedResponse, lines[spamLine])
	}
	score, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return CheckResult{}, nil, fmt.Errorf("%w: score %q", ErrMalformedResponse, fields[3])
	}
	threshold, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return CheckResult{}, nil, fmt.Errorf("%w: threshold %q", ErrMalformedResponse, fields[5])
	}

	return CheckResult{
		IsSpam:    strings.EqualFold(fields[1], "True"),
		Score:     score,
		Threshold: threshold,
	}, lines[end:], nil
}

func isResponseHeader(line string) bool {
	l := strings.ToLower(line)
	return strings.HasPrefix(l, "spam:") || strings.HasPrefix(l, "content-length:")
}
