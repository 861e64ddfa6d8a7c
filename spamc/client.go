// Package spamc talks the SPAMC/SPAMD protocol to a SpamAssassin daemon.
// Every call opens a fresh connection, writes one request, half-closes and
// reads the response to EOF.
package spamc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// Version is the client protocol version sent with every request.
	Version     = "1.2"
	DefaultPort = 783
)

// Command is a SPAMC request verb.
type Command string

const (
	CmdCheck        Command = "CHECK"
	CmdSymbols      Command = "SYMBOLS"
	CmdReport       Command = "REPORT"
	CmdReportIfSpam Command = "REPORT_IFSPAM"
	CmdProcess      Command = "PROCESS"
	CmdTell         Command = "TELL"
	CmdPing         Command = "PING"
	CmdSkip         Command = "SKIP"
)

var (
	ErrEmptyResponse     = errors.New("spamd returned an empty response")
	ErrMalformedResponse = errors.New("malformed spamd response")
)

// ProtocolError is returned when spamd answers with a non-zero code.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("spamd: %s (%d)", e.Message, e.Code)
}

// Dialer opens the connection for one request.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client is safe for concurrent use; it holds no connection state.
type Client struct {
	Addr string
	// User is sent as the User header when set.
	User   string
	Dialer Dialer
	Logger *slog.Logger
}

// New returns a client for host:port. A port <= 0 selects DefaultPort.
func New(host string, port int) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{
		Addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		Dialer: &net.Dialer{Timeout: 10 * time.Second},
	}
}

// Response is a parsed spamd reply.
type Response struct {
	Version string
	Code    int
	Message string
	// Body is everything after the status line, trimmed, with CRLF line
	// endings.
	Body string
	Raw  string
	// MissingPreamble is set when the reply did not start with SPAMD.
	MissingPreamble bool
}

// Do sends cmd with body and returns the parsed reply. A non-zero response
// code is returned as *ProtocolError together with the response.
func (c *Client) Do(ctx context.Context, cmd Command, body string) (*Response, error) {
	raw, err := c.roundTrip(ctx, buildRequest(cmd, c.User, body))
	if err != nil {
		return nil, fmt.Errorf("spamd %s: %w", cmd, err)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		if cmd == CmdSkip {
			return &Response{}, nil
		}
		return nil, fmt.Errorf("spamd %s: %w", cmd, ErrEmptyResponse)
	}

	resp, err := parseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("spamd %s: %w", cmd, err)
	}
	if resp.MissingPreamble && cmd != CmdSkip {
		c.logger().Warn("spamd response without SPAMD preamble", "command", cmd, "addr", c.Addr)
	}
	if resp.Code != 0 {
		return resp, &ProtocolError{Code: resp.Code, Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) roundTrip(ctx context.Context, req []byte) (string, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("write request: %w", ctxErr(ctx, err))
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return "", fmt.Errorf("half-close: %w", ctxErr(ctx, err))
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read response: %w", ctxErr(ctx, err))
	}
	return string(data), nil
}

// ctxErr prefers the context error when the connection was torn down by
// cancellation.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func buildRequest(cmd Command, user, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s SPAMC/%s\r\n", cmd, Version)
	if user != "" {
		fmt.Fprintf(&sb, "User: %s\r\n", user)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(body))
	sb.WriteString(body)
	return []byte(sb.String())
}

func parseResponse(raw string) (*Response, error) {
	lines := splitLines(raw)
	fields := strings.Split(lines[0], " ")
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedResponse, lines[0])
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: response code %q", ErrMalformedResponse, fields[1])
	}

	return &Response{
		Version:         strings.Replace(fields[0], "SPAMD/", "", 1),
		Code:            code,
		Message:         strings.TrimSpace(strings.Join(fields[2:], " ")),
		Body:            joinLines(lines[1:]),
		Raw:             raw,
		MissingPreamble: !strings.HasPrefix(strings.ToUpper(raw), "SPAMD"),
	}, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines, "\r\n"))
}
