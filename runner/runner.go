// Package runner builds the classification graph and feeds it from the
// configured mailboxes until stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.uber.org/atomic"

	"github.com/dhcgn/mail-crawler/config"
	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/pipeline"
	"github.com/dhcgn/mail-crawler/rules"
	"github.com/dhcgn/mail-crawler/source"
	"github.com/dhcgn/mail-crawler/state"
	"github.com/dhcgn/mail-crawler/stats"
)

// Stage names, also used as keys of the [stages] configuration table.
const (
	StageSort       = "sort"
	StageSpamFilter = "spam-filter"
	StageBounceType = "bounce-type"
	StageIdentify   = "identify"
	StageCRMSink    = "crm-sink"
	StageFBLSink    = "fbl-sink"
	StageBounceSink = "bounce-sink"
)

// StageNames lists every stage in graph order.
var StageNames = []string{
	StageSort, StageSpamFilter, StageBounceType, StageIdentify,
	StageCRMSink, StageFBLSink, StageBounceSink,
}

var ErrUnknownStage = errors.New("unknown stage")

type CRMSink interface {
	Save(ctx context.Context, rec *model.Record) (int64, error)
}

type FeedbackSink interface {
	Add(ctx context.Context, rec *model.Record) (int64, error)
}

type BounceSink interface {
	Add(ctx context.Context, rec *model.Record) (int64, error)
}

// Archiver keeps a copy of every fetched message. It must not block.
type Archiver interface {
	Archive(mailbox model.Mailbox, raw []byte)
}

// Scorer decides whether a general message is spam.
type Scorer interface {
	Score(ctx context.Context, rec *model.Record) (bool, error)
}

// Deps are the collaborators of a Runner. Archiver, Tracker, Scorer and
// Metrics are optional.
type Deps struct {
	Logger   *slog.Logger
	Counters *stats.Registry
	Metrics  *stats.Metrics
	Opener   source.Opener
	CRM      CRMSink
	FBL      FeedbackSink
	Bounce   BounceSink
	Archiver Archiver
	Tracker  state.Tracker
	Scorer   Scorer
	// Registry resolves the rule names of the configuration. Nil selects
	// the built-in rules.
	Registry *rules.Registry
}

type Runner struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	bounceChain   rules.Chain
	identifyChain rules.Chain

	stopped atomic.Bool
	stopCh  chan struct{}
	passes  atomic.Int64
}

// New validates cfg against the known stages and rules.
func New(cfg config.Config, deps Deps) (*Runner, error) {
	if deps.Opener == nil {
		return nil, errors.New("runner: mailbox opener is required")
	}
	if deps.CRM == nil || deps.FBL == nil || deps.Bounce == nil {
		return nil, errors.New("runner: crm, fbl and bounce sinks are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Counters == nil {
		deps.Counters = stats.NewRegistry()
	}
	if deps.Registry == nil {
		deps.Registry = rules.DefaultRegistry()
	}

	for name := range cfg.Stages {
		if !slices.Contains(StageNames, name) {
			return nil, fmt.Errorf("stage %q: %w", name, ErrUnknownStage)
		}
	}

	bounceNames := cfg.BounceRules
	if len(bounceNames) == 0 {
		bounceNames = rules.DefaultBounceRules()
	}
	bounceChain, err := deps.Registry.Chain(bounceNames...)
	if err != nil {
		return nil, fmt.Errorf("bounce rules: %w", err)
	}

	identifyNames := cfg.IdentifyRules
	if len(identifyNames) == 0 {
		identifyNames = rules.DefaultIdentifyRules()
	}
	identifyChain, err := deps.Registry.Chain(identifyNames...)
	if err != nil {
		return nil, fmt.Errorf("identify rules: %w", err)
	}

	return &Runner{
		cfg:           cfg,
		deps:          deps,
		logger:        deps.Logger,
		bounceChain:   bounceChain,
		identifyChain: identifyChain,
		stopCh:        make(chan struct{}),
	}, nil
}

// Stop asks the runner to finish: no further mail is pulled, the graph
// drains and Start returns. It is safe to call more than once.
func (r *Runner) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stopCh)
		r.logger.Info("stop requested")
	}
}

func (r *Runner) Stopped() bool {
	return r.stopped.Load()
}

// Passes is the number of completed polling passes.
func (r *Runner) Passes() int64 {
	return r.passes.Load()
}

// Start builds the graph and polls the mailboxes until Stop is called or
// ctx is cancelled. Cancelling ctx faults every stage.
func (r *Runner) Start(ctx context.Context) error {
	since := time.Now()
	g := r.build(ctx)
	g.start()

	r.logger.Info("crawler started", "mailboxes", len(r.cfg.Mailboxes), "delete_mail", r.cfg.DeleteMail, "poll_interval", r.cfg.PollInterval)

	ingestErr := r.poll(ctx, g.sort)
	if ingestErr != nil && !errors.Is(ingestErr, context.Canceled) {
		r.logger.Error("ingestion stopped", "err", ingestErr)
	}

	g.sort.Complete()
	waitErr := g.wait(ctx)

	r.recordFaults(g)

	duration := time.Since(since)
	err := errors.Join(ingestErr, waitErr, g.err())
	if ctx.Err() != nil {
		r.logger.Warn("crawler cancelled", "duration", duration, "passes", r.Passes())
		return ctx.Err()
	}
	if err != nil {
		r.logger.Error("crawler failed", "duration", duration, "passes", r.Passes(), "err", err)
		return err
	}

	r.logger.Info("crawler stopped", "duration", duration, "passes", r.Passes())
	return nil
}

func (r *Runner) recordFaults(g *graph) {
	for _, s := range g.stages() {
		if out := s.Outcome(); out.Faulted() {
			r.deps.Metrics.ObserveStageFault(s.Name())
			if !errors.Is(out.Err, context.Canceled) {
				r.logger.Warn("stage faulted", "stage", s.Name(), "err", out.Err)
			}
		}
	}
}

func (r *Runner) stageOptions(name string) pipeline.Options {
	if opts, ok := r.cfg.Stages[name]; ok {
		return opts
	}
	return pipeline.Options{Parallelism: 1, Capacity: 1}
}
