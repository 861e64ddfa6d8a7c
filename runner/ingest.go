package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/pipeline"
	"github.com/dhcgn/mail-crawler/source"
)

// poll runs passes over every mailbox until stopped. It returns the error
// that ended ingestion early, if any.
func (r *Runner) poll(ctx context.Context, entry pipeline.Target[*model.Record]) error {
	for !r.Stopped() {
		complete, err := r.pass(ctx, entry)
		if err != nil {
			return err
		}
		if complete {
			r.passes.Inc()
		}
		r.flushState()

		if r.Stopped() {
			break
		}
		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.stopCh:
			timer.Stop()
		case <-timer.C:
		}
	}
	return nil
}

// pass reads every mailbox once, in parallel. Mailbox failures are logged
// and counted; only a closed entry stage or cancellation ends the pass
// with an error. complete is false when Stop cut a mailbox short.
func (r *Runner) pass(ctx context.Context, entry pipeline.Target[*model.Record]) (complete bool, err error) {
	g, gctx := errgroup.WithContext(ctx)

	// Admission also gives up when Stop is called.
	admitCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-admitCtx.Done():
		}
	}()

	var cut atomic.Bool
	for _, mb := range r.cfg.Mailboxes {
		mb := mb
		g.Go(func() error {
			done, err := r.readMailbox(gctx, admitCtx, entry, mb)
			if !done {
				cut.Store(true)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !cut.Load(), nil
}

// readMailbox reports done unless Stop interrupted it before the last
// message.
func (r *Runner) readMailbox(ctx, admitCtx context.Context, entry pipeline.Target[*model.Record], mb model.Mailbox) (done bool, err error) {
	logger := r.logger.With("mailbox", mb.Name())

	session, err := r.deps.Opener.Open(ctx, mb)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.deps.Counters.IncError(mb.Kind)
		logger.Error("mailbox unavailable", "err", err)
		return true, nil
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.deps.Counters.IncError(mb.Kind)
			logger.Error("mailbox close failed", "err", err)
		}
	}()

	count, err := session.Count()
	if err != nil {
		r.deps.Counters.IncError(mb.Kind)
		logger.Error("mailbox count failed", "err", err)
		return true, nil
	}
	logger.Debug("mailbox opened", "messages", count)

	for i := 1; i <= count; i++ {
		if r.Stopped() {
			return false, nil
		}
		if err := r.ingest(admitCtx, session, entry, mb, i); err != nil {
			if r.Stopped() && errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// ingest moves message i of session into the entry stage. The raw bytes
// are archived whatever happens next.
func (r *Runner) ingest(ctx context.Context, session source.Session, entry pipeline.Target[*model.Record], mb model.Mailbox, i int) error {
	logger := r.logger.With("mailbox", mb.Name(), "index", i)

	raw, err := session.Fetch(i)
	if err != nil {
		r.deps.Counters.IncError(mb.Kind)
		logger.Error("fetch failed", "err", err)
		r.archive(mb, raw)
		return nil
	}

	hash := model.Hash(raw)
	if r.deps.Tracker != nil && r.deps.Tracker.Seen(mb.Name(), hash) {
		logger.Debug("message already processed", "hash", hash)
		return nil
	}
	r.archive(mb, raw)

	m, err := model.ParseMail(raw)
	if err != nil {
		r.deps.Counters.IncError(mb.Kind)
		logger.Error("parse failed", "err", err)
	} else {
		if m.Truncated {
			logger.Warn("message truncated, parsed parts kept", "message_id", m.MessageID(), "parts", len(m.Parts))
		}
		rec := model.NewRecord(m, mb, i)
		rec.Hash = hash
		if err := pipeline.Send(ctx, entry, rec); err != nil {
			if !errors.Is(err, context.Canceled) {
				r.deps.Counters.IncError(mb.Kind)
			}
			return fmt.Errorf("admit message %d of %s: %w", i, mb.Name(), err)
		}
		logger.Debug("message admitted", "message_id", rec.MessageID())
	}

	if r.deps.Tracker != nil {
		messageID := ""
		if m != nil {
			messageID = m.MessageID()
		}
		if err := r.deps.Tracker.Mark(mb.Name(), hash, messageID); err != nil {
			logger.Warn("state mark failed", "err", err)
		}
	}

	if r.cfg.DeleteMail {
		if err := session.Delete(i); err != nil {
			r.deps.Counters.IncError(mb.Kind)
			logger.Error("delete failed", "err", err)
		}
	}
	return nil
}

type flusher interface {
	Flush() error
}

func (r *Runner) flushState() {
	f, ok := r.deps.Tracker.(flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		r.logger.Warn("state flush failed", "err", err)
	}
}

func (r *Runner) archive(mb model.Mailbox, raw []byte) {
	if r.deps.Archiver == nil || len(raw) == 0 {
		return
	}
	r.deps.Archiver.Archive(mb, raw)
}
