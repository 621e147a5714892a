// Package dispatch runs automations: extract, filter, render and send,
// then record the outcome exactly once. It also owns the process-wide
// Sender every message goes through.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/dedup"
	"autoposter/internal/domain"
	"autoposter/internal/eventbus"
	"autoposter/internal/extract"
	"autoposter/internal/observability/metrics"
	"autoposter/internal/template"
	logx "autoposter/pkg/logx"
)

// Store is what a run reads and writes.
type Store interface {
	Get(ctx context.Context, id string) (domain.Automation, error)
	RecordRunResult(ctx context.Context, r domain.RunResult) (domain.Automation, error)
	AppendRunLog(ctx context.Context, r domain.RunResult)
}

// Deliverer sends one message; *Sender implements it.
type Deliverer interface {
	Send(ctx context.Context, dest string, msg domain.Message) error
}

// Resolver maps post destination names to provider ids.
type Resolver interface {
	Resolve(names []string) (ids []string, unknown []string)
}

type Options struct {
	Now     func() time.Time
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Dispatcher struct {
	store    Store
	extract  extract.Extractor
	send     Deliverer
	resolver Resolver
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store Store, ex extract.Extractor, send Deliverer, resolver Resolver, log logx.Logger, opt Options) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	return &Dispatcher{
		store:    store,
		extract:  ex,
		send:     send,
		resolver: resolver,
		log:      log.With(logx.String("comp", "dispatch")),
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		now:      opt.Now,
	}
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	AutomationID string `json:"automation_id"`
	Manual       bool   `json:"manual,omitempty"`
	Extracted    int    `json:"extracted"`
	Attempted    int    `json:"attempted"`
	Sent         int    `json:"sent"`
	Failed       int    `json:"failed"`
	Aborted      bool   `json:"aborted,omitempty"`
	Error        string `json:"error,omitempty"`
	TookMS       int64  `json:"took_ms"`
}

func eventOf(r domain.RunResult) RunEvent {
	l := r.Log()
	return RunEvent{
		AutomationID: l.AutomationID,
		Manual:       l.Manual,
		Extracted:    l.Extracted,
		Attempted:    l.Attempted,
		Sent:         l.Sent,
		Failed:       l.Failed,
		Aborted:      l.Aborted,
		Error:        l.Error,
		TookMS:       l.TookMS,
	}
}

// RunAutomation is the scheduled entry point.
func (d *Dispatcher) RunAutomation(ctx context.Context, id string) error {
	_, err := d.RunOnce(ctx, id, false)
	return err
}

// RunOnce executes one run of automation id. Scheduled runs of an
// automation that is no longer active are skipped with ErrNotActive;
// manual runs go ahead for any status but deleted.
//
// Once extraction has been attempted the result is recorded exactly once,
// whatever happened. The returned error is the store error if recording
// failed, otherwise the run's own error.
func (d *Dispatcher) RunOnce(ctx context.Context, id string, manual bool) (domain.RunResult, error) {
	res := domain.RunResult{AutomationID: id, Manual: manual, StartedAt: d.now()}

	a, err := d.store.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if a.Status == domain.StatusDeleted {
		return res, fmt.Errorf("%w: automation %s", domain.ErrNotFound, id)
	}
	if a.Status != domain.StatusActive && !manual {
		d.bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Data: RunEvent{AutomationID: id, Error: string(a.Status)}})
		return res, fmt.Errorf("%w: automation %s is %s", domain.ErrNotActive, id, a.Status)
	}

	log := d.log.With(logx.String("automation", id), logx.Bool("manual", manual))
	d.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: RunEvent{AutomationID: id, Manual: manual}})

	items, err := d.extract.Extract(ctx, extract.Request{
		SourceURL:      a.SourceURL,
		Mode:           a.ExtractionMode,
		Limit:          a.MaxPostsPerRun,
		CustomSelector: a.CustomSelector,
	})
	if err != nil {
		res.Err = err
		return d.finish(ctx, log, res)
	}
	res.Extracted = len(items)
	if limit := a.MaxPostsPerRun; limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	keep, fps := dedup.Filter(a, items)
	if len(keep) == 0 {
		log.Debug("nothing new to send", logx.Int("extracted", res.Extracted))
		return d.finish(ctx, log, res)
	}

	delivered := make([]bool, len(keep))
sendLoop:
	for _, dest := range a.DestinationGroupIDs {
		for i, it := range keep {
			tplOpt := template.Options{AppendTimestamp: a.Flags.AppendTimestamp, Now: d.now()}
			msg := domain.Message{Text: template.RenderMessage(a.MessageTemplate, it, tplOpt)}
			if a.Flags.IncludeImages && it.ImageURL != "" {
				msg.ImageURL = it.ImageURL
			}
			res.Attempted++
			err := d.send.Send(ctx, dest, msg)
			switch {
			case err == nil:
				res.Sent++
				delivered[i] = true
			case errors.Is(err, domain.ErrProviderDisconnected):
				res.Failed++
				res.Aborted = true
				res.Err = err
				log.Warn("run aborted: provider disconnected", logx.String("dest", dest), logx.Int("sent", res.Sent))
				break sendLoop
			case ctx.Err() != nil:
				res.Failed++
				res.Err = ctx.Err()
				break sendLoop
			default:
				res.Failed++
				log.Warn("item not delivered", logx.String("dest", dest), logx.String("title", it.Title), logx.Err(err))
			}
		}
	}

	// An item reached at least one destination: never send it again.
	for i, ok := range delivered {
		if ok && i < len(fps) {
			res.NewFingerprints = append(res.NewFingerprints, fps[i])
		}
	}
	return d.finish(ctx, log, res)
}

func (d *Dispatcher) finish(ctx context.Context, log logx.Logger, res domain.RunResult) (domain.RunResult, error) {
	res.Duration = d.now().Sub(res.StartedAt)
	// Recording must survive a run that hit its deadline.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, recErr := d.store.RecordRunResult(rctx, res)
	d.store.AppendRunLog(rctx, res)

	outcome := outcomeOf(res)
	d.metrics.RunFinished(outcome)
	d.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: eventOf(res)})

	fields := []logx.Field{
		logx.String("outcome", outcome),
		logx.Int("extracted", res.Extracted),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Duration),
	}
	if res.Err != nil {
		fields = append(fields, logx.Err(res.Err))
	}
	switch outcome {
	case "ok", "empty":
		log.Info("run finished", fields...)
	default:
		log.Warn("run finished", fields...)
	}

	if recErr != nil {
		if errors.Is(recErr, domain.ErrNotFound) {
			log.Info("automation deleted during run, result dropped")
		} else {
			log.Error("run result not recorded", logx.Err(recErr))
		}
		return res, recErr
	}
	return res, res.Err
}

func outcomeOf(r domain.RunResult) string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Err != nil && domain.IsExtraction(r.Err):
		return "extract_failed"
	case r.Err != nil:
		return "failed"
	case r.Attempted == 0:
		return "empty"
	case r.Failed > 0:
		return "partial"
	}
	return "ok"
}

// DeliverPost sends a scheduled post to every destination it names. It
// succeeds when at least one destination received it.
func (d *Dispatcher) DeliverPost(ctx context.Context, p domain.ScheduledPost) error {
	ids, unknown := d.resolver.Resolve(p.DestinationNames)
	if len(unknown) > 0 {
		d.log.Warn("post destinations not found", logx.String("post", p.ID), logx.Strings("unknown", unknown))
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: post %s has no known destinations", domain.ErrSendFailed, p.ID)
	}

	var errs []error
	sent := 0
	for _, id := range ids {
		err := d.send.Send(ctx, id, domain.Message{Text: p.Message})
		if err == nil {
			sent++
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
		if errors.Is(err, domain.ErrProviderDisconnected) || ctx.Err() != nil {
			break
		}
	}
	if sent == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		d.log.Warn("post partially delivered", logx.String("post", p.ID), logx.Int("sent", sent), logx.Err(errors.Join(errs...)))
	}
	return nil
}
