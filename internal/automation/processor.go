package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/bitflow/internal/observability"
	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// ProcessorConfig carries the new-record gating flags.
type ProcessorConfig struct {
	TriggerOnNewRecordEvent              bool
	TriggerOnNewRecordScan               bool
	TriggerOnNewRecordScanNeedCheckpoint bool
	Workers                              int
}

// Processor evaluates one normalized event at a time per record. Distinct
// records run in parallel on a bounded pool.
type Processor struct {
	registry *Registry
	upstream Upstream
	executor *Executor
	stores   store.Stores
	cfg      ProcessorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	locks keyedLocks

	queue chan queuedEvent
	wg    sync.WaitGroup
}

type queuedEvent struct {
	env models.EventEnvelope
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorNow injects a clock for testing.
func WithProcessorNow(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the evaluation pipeline.
func NewProcessor(registry *Registry, upstream Upstream, executor *Executor, stores store.Stores,
	cfg ProcessorConfig, logger *slog.Logger, metrics *observability.Metrics, opts ...ProcessorOption) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	p := &Processor{
		registry: registry,
		upstream: upstream,
		executor: executor,
		stores:   stores,
		cfg:      cfg,
		logger:   logger.With("component", "automation.processor"),
		metrics:  metrics,
		now:      time.Now,
		queue:    make(chan queuedEvent, 256),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool; it drains until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-p.queue:
					if err := p.Process(ctx, ev.env); err != nil {
						p.logger.Error("event processing failed",
							"event_id", ev.env.EventID, "record_id", ev.env.RecordID, "error", err)
					}
				}
			}
		}()
	}
}

// Wait blocks until the worker pool has exited.
func (p *Processor) Wait() { p.wg.Wait() }

// Enqueue hands an event to the pool without blocking the caller beyond the
// queue bound.
func (p *Processor) Enqueue(ctx context.Context, env models.EventEnvelope) error {
	select {
	case p.queue <- queuedEvent{env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process evaluates one event synchronously. Concurrent calls for the same
// record serialize on a keyed lock.
func (p *Processor) Process(ctx context.Context, env models.EventEnvelope) error {
	unlock := p.locks.lock(env.AppToken + "/" + env.TableID + "/" + env.RecordID)
	defer unlock()

	start := p.now()
	rules := p.registry.RulesForTable(env.TableID)
	plan := p.registry.Plan(env.TableID)

	// Runtime-disabled rules are filtered before evaluation.
	disabled, err := p.stores.Runtime.DisabledRules(ctx)
	if err != nil {
		return err
	}
	active := rules[:0:0]
	for _, rule := range rules {
		if env.RuleID != "" && rule.ID != env.RuleID {
			continue
		}
		if _, off := disabled[rule.ID]; !off {
			active = append(active, rule)
		}
	}

	loc := models.Locator{AppToken: env.AppToken, TableID: env.TableID, RecordID: env.RecordID}
	record, exists, err := p.upstream.FetchRecord(ctx, loc)
	if err != nil {
		return err
	}
	if !exists {
		// Record vanished between event and fetch; drop the snapshot so the
		// next sync does not resurrect it.
		return p.stores.Snapshots.Delete(ctx, env.AppToken, env.TableID, env.RecordID)
	}
	fields := restrictFields(record.Fields, plan)

	snapshot, hasSnapshot, err := p.stores.Snapshots.Load(ctx, env.AppToken, env.TableID, env.RecordID)
	if err != nil {
		return err
	}

	if !hasSnapshot {
		if !p.newRecordFires(ctx, env) {
			// First observation establishes the baseline without firing.
			return p.stores.Snapshots.Save(ctx, env.AppToken, env.TableID, env.RecordID, fields, record.ModifiedMs)
		}
		snapshot = models.Fields{}
	}

	if env.Source == models.SourceInit {
		return p.stores.Snapshots.Save(ctx, env.AppToken, env.TableID, env.RecordID, fields, record.ModifiedMs)
	}

	changes := models.Diff(snapshot, fields)
	if len(changes) == 0 {
		return p.stores.Snapshots.Save(ctx, env.AppToken, env.TableID, env.RecordID, fields, record.ModifiedMs)
	}

	on := env.Type.TriggerClass()
	if !hasSnapshot {
		on = models.TriggerOnCreated
	}

	entry := models.RunLogEntry{
		Timestamp: start,
		EventID:   env.EventID,
		AppToken:  env.AppToken,
		TableID:   env.TableID,
		RecordID:  env.RecordID,
	}

	var failedRules, matchedRules int
	for _, rule := range active {
		entry.RulesEvaluated = append(entry.RulesEvaluated, rule.ID)
		match := MatchRule(rule, on, changes)
		p.metrics.RulesMatched.WithLabelValues(env.TableID, matchLabel(match.Matched)).Inc()
		if !match.Matched {
			continue
		}
		matchedRules++
		entry.RulesMatched = append(entry.RulesMatched, rule.ID)
		if entry.TriggerField == "" && match.TriggerField != "" {
			entry.TriggerField = match.TriggerField
			if ch, ok := changes.Get(match.TriggerField); ok {
				entry.Changed = &models.ChangedValue{Old: ch.Old.String(), New: ch.New.String()}
			}
		}

		bizKey := models.BusinessKey(rule.ID, env.TableID, env.RecordID, changes)
		dup, err := p.stores.Idempotency.SeenBusiness(ctx, bizKey)
		if err != nil {
			return err
		}
		if dup {
			p.logger.Debug("business key already handled", "rule_id", rule.ID, "record_id", env.RecordID)
			continue
		}

		in := ExecInput{
			Env: TemplateEnv{
				EventID:  env.EventID,
				RuleID:   rule.ID,
				AppToken: env.AppToken,
				TableID:  env.TableID,
				RecordID: env.RecordID,
			},
			Fields:  fields,
			Changes: changes,
		}
		details, err := p.executor.RunPipeline(ctx, rule.ID, rule.Pipeline, in)
		for _, d := range details {
			entry.ActionsExecuted = append(entry.ActionsExecuted, d.Type)
			entry.ActionsDetail = append(entry.ActionsDetail, d)
			if d.RetryCount > entry.RetryCount {
				entry.RetryCount = d.RetryCount
			}
		}
		if err != nil {
			failedRules++
			entry.RuleID = rule.ID
			entry.Error = err.Error()
			entry.SentToDeadLetter = true
		}
	}

	switch {
	case matchedRules == 0:
		entry.Result = models.RunNoMatch
	case failedRules == 0:
		entry.Result = models.RunSuccess
	case failedRules < matchedRules:
		entry.Result = models.RunPartial
	default:
		entry.Result = models.RunFailed
	}
	entry.DurationMs = p.now().Sub(start).Milliseconds()

	if err := p.stores.RunLog.Append(ctx, entry); err != nil {
		return err
	}
	return p.stores.Snapshots.Save(ctx, env.AppToken, env.TableID, env.RecordID, fields, record.ModifiedMs)
}

// newRecordFires decides whether a first-seen record triggers rules for the
// given entry path.
func (p *Processor) newRecordFires(ctx context.Context, env models.EventEnvelope) bool {
	switch env.Source {
	case models.SourceInit:
		return false
	case models.SourceScan, models.SourceSync:
		if !p.cfg.TriggerOnNewRecordScan {
			return false
		}
		if p.cfg.TriggerOnNewRecordScanNeedCheckpoint {
			cursor, ok, err := p.stores.Checkpoints.Get(ctx, env.AppToken, env.TableID)
			if err != nil || !ok || cursor == 0 {
				return false
			}
		}
		return true
	default:
		return p.cfg.TriggerOnNewRecordEvent
	}
}

func restrictFields(fields models.Fields, plan WatchPlan) models.Fields {
	if plan.All || len(plan.Fields) == 0 {
		return fields
	}
	out := make(models.Fields, len(plan.Fields))
	for _, name := range plan.Fields {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

func matchLabel(matched bool) string {
	if matched {
		return "matched"
	}
	return "no_match"
}

// keyedLocks serializes work per record key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*recordLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &recordLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
