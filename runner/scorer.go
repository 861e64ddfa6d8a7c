package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhcgn/mail-crawler/config"
	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/spamc"
	"github.com/dhcgn/mail-crawler/stats"
)

// SpamScorer asks spamd to CHECK the text body of a message and trusts the
// daemon's own threshold.
type SpamScorer struct {
	client   *spamc.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	template spamc.CheckArgs
	metrics  *stats.Metrics
	logger   *slog.Logger
}

// NewSpamScorer returns nil when no spamd address is configured.
func NewSpamScorer(cfg config.Spamd, metrics *stats.Metrics, logger *slog.Logger) (*SpamScorer, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := NewSpamdClient(cfg.Addr)
	if err != nil {
		return nil, err
	}
	client.User = cfg.User
	client.Logger = logger

	s := &SpamScorer{
		client:   client,
		timeout:  cfg.Timeout,
		template: spamc.NewCheckArgs(cfg.Sender, cfg.Receiver, ""),
		metrics:  metrics,
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// NewSpamdClient accepts "host" or "host:port".
func NewSpamdClient(addr string) (*spamc.Client, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return spamc.New(addr, 0), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("spamd address %q: invalid port", addr)
	}
	return spamc.New(host, port), nil
}

func (s *SpamScorer) Score(ctx context.Context, rec *model.Record) (bool, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.client.Check(ctx, s.args(rec))
	if err != nil {
		s.metrics.ObserveSpamCheck("error")
		return false, fmt.Errorf("spamd check: %w", err)
	}

	verdict := "ham"
	if res.IsSpam {
		verdict = "spam"
	}
	s.metrics.ObserveSpamCheck(verdict)
	s.logger.Debug("spam checked", "message_id", rec.MessageID(), "spam", res.IsSpam, "score", res.Score, "threshold", res.Threshold)
	return res.IsSpam, nil
}

func (s *SpamScorer) args(rec *model.Record) spamc.CheckArgs {
	args := s.template
	args.Date = time.Now()
	args.Text, _ = rec.Mail.TextBody()
	if subject := rec.Mail.Subject(); subject != "" {
		args.Subject = subject
	}
	if from := rec.Mail.From(); from != nil && args.SenderAddress == "" {
		args.SenderAddress = from.Address
		if from.Name != "" {
			args.SenderName = from.Name
		}
	}
	if to := rec.Mail.To(); to != nil && args.ReceiverAddress == "" {
		args.ReceiverAddress = to.Address
	}
	return args
}
