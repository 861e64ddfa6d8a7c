package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/pipeline"
	"github.com/dhcgn/mail-crawler/rules"
)

type stage = *pipeline.Stage[*model.Record]

type graph struct {
	sort       stage
	spamFilter stage
	bounceType stage
	identify   stage
	crmSink    stage
	fblSink    stage
	bounceSink stage
}

func (g *graph) stages() []stage {
	return []stage{g.sort, g.spamFilter, g.bounceType, g.identify, g.crmSink, g.fblSink, g.bounceSink}
}

func (g *graph) start() {
	for _, s := range g.stages() {
		s.Start()
	}
}

// wait blocks until the three sinks have finished.
func (g *graph) wait(ctx context.Context) error {
	for _, s := range []stage{g.crmSink, g.fblSink, g.bounceSink} {
		if _, err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// err joins the faults of the sinks, ignoring cancellation.
func (g *graph) err() error {
	var errs []error
	for _, s := range []stage{g.crmSink, g.fblSink, g.bounceSink} {
		out := s.Outcome()
		if out.Faulted() && !errors.Is(out.Err, context.Canceled) {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), out.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) build(ctx context.Context) *graph {
	logger := r.logger
	g := &graph{
		sort:       pipeline.NewTransform(ctx, StageSort, r.stageOptions(StageSort), r.sortMail, logger),
		spamFilter: pipeline.NewTransform(ctx, StageSpamFilter, r.stageOptions(StageSpamFilter), r.filterSpam, logger),
		bounceType: pipeline.NewTransform(ctx, StageBounceType, r.stageOptions(StageBounceType), r.bounceTypeCheck, logger),
		identify:   pipeline.NewTransform(ctx, StageIdentify, r.stageOptions(StageIdentify), r.identifyRecipient, logger),
		crmSink:    pipeline.NewAction(ctx, StageCRMSink, r.stageOptions(StageCRMSink), r.addToCRM, logger),
		fblSink:    pipeline.NewAction(ctx, StageFBLSink, r.stageOptions(StageFBLSink), r.addToFBL, logger),
		bounceSink: pipeline.NewAction(ctx, StageBounceSink, r.stageOptions(StageBounceSink), r.addToBounce, logger),
	}

	g.sort.LinkTo(g.spamFilter, isType(model.TypeGeneral), true)
	g.sort.LinkTo(g.fblSink, isType(model.TypeFeedbackLoop), true)
	g.sort.LinkTo(g.bounceType, isType(model.TypeBounce), true)
	g.sort.LinkTo(pipeline.NewNullTarget[*model.Record](), isType(model.TypeUnknown), true)

	g.spamFilter.LinkTo(g.crmSink, func(rec *model.Record) bool { return !rec.IsSpam }, true)
	g.spamFilter.LinkTo(pipeline.NewNullTarget[*model.Record](), func(rec *model.Record) bool { return rec.IsSpam }, true)

	g.bounceType.LinkTo(g.identify, nil, true)
	g.identify.LinkTo(g.bounceSink, nil, true)

	for _, s := range g.stages() {
		s.OnDrop(r.dropped(s.Name()))
	}
	return g
}

func isType(t model.MessageType) func(*model.Record) bool {
	return func(rec *model.Record) bool { return rec.Type == t }
}

func (r *Runner) dropped(stageName string) func(*model.Record, error) {
	return func(rec *model.Record, err error) {
		r.deps.Counters.IncError(rec.Mailbox.Kind)
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Warn("message dropped", "stage", stageName, "mailbox", rec.Mailbox.Name(), "message_id", rec.MessageID(), "err", err)
	}
}

// sortMail assigns the message type from the kind of mailbox it came from.
func (r *Runner) sortMail(_ context.Context, rec *model.Record) (*model.Record, error) {
	switch rec.Mailbox.Kind {
	case model.KindCRM:
		rec.Type = model.TypeGeneral
	case model.KindBounce:
		rec.Type = model.TypeBounce
	case model.KindFBL:
		rec.Type = model.TypeFeedbackLoop
	default:
		rec.Type = model.TypeUnknown
	}
	r.logger.Debug("message sorted", "mailbox", rec.Mailbox.Name(), "message_id", rec.MessageID(), "type", rec.Type)
	return rec, nil
}

// filterSpam fails open: a scoring error leaves the message as not spam.
func (r *Runner) filterSpam(ctx context.Context, rec *model.Record) (*model.Record, error) {
	if r.deps.Scorer == nil {
		return rec, nil
	}
	spam, err := r.deps.Scorer.Score(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.deps.Counters.IncError(rec.Mailbox.Kind)
		r.logger.Error("spam check failed", "message_id", rec.MessageID(), "err", err)
		return rec, nil
	}
	rec.IsSpam = spam
	if spam {
		r.logger.Info("spam discarded", "mailbox", rec.Mailbox.Name(), "message_id", rec.MessageID())
	}
	return rec, nil
}

func (r *Runner) bounceTypeCheck(_ context.Context, rec *model.Record) (*model.Record, error) {
	res, err := rules.Evaluate(r.bounceChain, rec.Mail)
	if err != nil {
		r.deps.Counters.IncError(rec.Mailbox.Kind)
		r.logger.Error("bounce type check failed", "message_id", rec.MessageID(), "err", err)
		return rec, nil
	}
	if res.Matched() {
		rec.Subtype = res.Tag
		r.logger.Debug("bounce type detected", "message_id", rec.MessageID(), "rule", res.Rule, "type", res.Tag)
	}
	return rec, nil
}

func (r *Runner) identifyRecipient(_ context.Context, rec *model.Record) (*model.Record, error) {
	res, err := rules.Evaluate(r.identifyChain, rec.Mail)
	if err != nil {
		r.deps.Counters.IncError(rec.Mailbox.Kind)
		r.logger.Error("bounce recipient lookup failed", "message_id", rec.MessageID(), "err", err)
		return rec, nil
	}
	if res.Matched() {
		rec.Recipient = res.Tag
		r.logger.Debug("bounce recipient identified", "message_id", rec.MessageID(), "rule", res.Rule, "recipient", res.Tag)
	}
	return rec, nil
}

func (r *Runner) addToCRM(ctx context.Context, rec *model.Record) error {
	return r.sink(ctx, "crm", rec, r.deps.CRM.Save)
}

func (r *Runner) addToFBL(ctx context.Context, rec *model.Record) error {
	return r.sink(ctx, "fbl", rec, r.deps.FBL.Add)
}

func (r *Runner) addToBounce(ctx context.Context, rec *model.Record) error {
	return r.sink(ctx, "bounce", rec, r.deps.Bounce.Add)
}

// sink logs and counts a failed write and drops the message.
func (r *Runner) sink(ctx context.Context, name string, rec *model.Record, save func(context.Context, *model.Record) (int64, error)) error {
	id, err := save(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.deps.Counters.IncError(rec.Mailbox.Kind)
		r.logger.Error("sink write failed", "sink", name, "message_id", rec.MessageID(), "err", err)
		return nil
	}
	r.deps.Counters.IncProcessed(rec.Mailbox.Kind)
	r.logger.Debug("message stored", "sink", name, "id", id, "message_id", rec.MessageID())
	return nil
}
