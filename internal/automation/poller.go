package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PollerConfig schedules the compensation jobs.
type PollerConfig struct {
	// ScanSpec is a cron expression for the incremental scan. Empty disables
	// the scan job.
	ScanSpec string
	// SchemaSyncInterval is the period of the full schema refresh. Zero
	// disables it.
	SchemaSyncInterval time.Duration
	DefaultAppToken    string
}

// Poller runs the periodic scan and schema-refresh jobs on a cron schedule.
type Poller struct {
	cron     *cron.Cron
	syncer   *Syncer
	watcher  *Watcher
	registry *Registry
	cfg      PollerConfig
	logger   *slog.Logger
}

// NewPoller builds the cron wiring. Jobs are registered in Start so a
// misconfigured spec fails loudly at startup.
func NewPoller(syncer *Syncer, watcher *Watcher, registry *Registry,
	cfg PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		cron:     cron.New(),
		syncer:   syncer,
		watcher:  watcher,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "automation.poller"),
	}
}

// Start registers the jobs and launches the cron loop. The loop stops when
// ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.ScanSpec != "" {
		if _, err := p.cron.AddFunc(p.cfg.ScanSpec, func() { p.scanAll(ctx) }); err != nil {
			return fmt.Errorf("invalid scan schedule %q: %w", p.cfg.ScanSpec, err)
		}
	}
	if p.cfg.SchemaSyncInterval > 0 {
		spec := fmt.Sprintf("@every %s", p.cfg.SchemaSyncInterval)
		if _, err := p.cron.AddFunc(spec, func() {
			if err := p.watcher.RefreshAll(ctx, p.cfg.DefaultAppToken, "poller"); err != nil {
				p.logger.Error("periodic schema refresh failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid schema refresh interval: %w", err)
		}
	}
	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()
	return nil
}

// scanAll runs the incremental scan for every table any enabled rule
// references.
func (p *Poller) scanAll(ctx context.Context) {
	seen := map[string]struct{}{}
	for _, rule := range p.registry.Rules() {
		if !rule.Enabled {
			continue
		}
		appToken := rule.Table.AppToken
		if appToken == "" {
			appToken = p.cfg.DefaultAppToken
		}
		if appToken == "" {
			continue
		}
		key := appToken + "/" + rule.Table.TableID
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		res, err := p.syncer.Scan(ctx, appToken, rule.Table.TableID)
		if err != nil {
			p.logger.Error("periodic scan failed", "table_id", rule.Table.TableID, "error", err)
			continue
		}
		if res.Processed > 0 {
			p.logger.Info("periodic scan processed records",
				"table_id", rule.Table.TableID, "processed", res.Processed)
		}
	}
}
