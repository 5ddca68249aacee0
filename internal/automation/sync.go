package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// SyncConfig bounds the compensation paths.
type SyncConfig struct {
	PageSize           int
	MaxPages           int
	DeletionsEnabled   bool
	DeletionsMaxPerRun int
}

// Syncer implements the polling compensation paths: baseline init, the
// checkpointed incremental scan, and the full sweep with deletion
// reconciliation.
type Syncer struct {
	processor *Processor
	registry  *Registry
	upstream  Upstream
	stores    store.Stores
	cfg       SyncConfig
	logger    *slog.Logger
	now       func() time.Time
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithSyncerNow injects a clock for testing.
func WithSyncerNow(now func() time.Time) SyncerOption {
	return func(s *Syncer) { s.now = now }
}

// NewSyncer wires the compensation paths.
func NewSyncer(processor *Processor, registry *Registry, upstream Upstream, stores store.Stores,
	cfg SyncConfig, logger *slog.Logger, opts ...SyncerOption) *Syncer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.DeletionsMaxPerRun <= 0 {
		cfg.DeletionsMaxPerRun = 50
	}
	s := &Syncer{
		processor: processor,
		registry:  registry,
		upstream:  upstream,
		stores:    stores,
		cfg:       cfg,
		logger:    logger.With("component", "automation.sync"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitResult reports a baseline initialization.
type InitResult struct {
	Records    int   `json:"records"`
	Checkpoint int64 `json:"checkpoint"`
}

// Init establishes the snapshot baseline for a table. No rules fire.
func (s *Syncer) Init(ctx context.Context, appToken, tableID string) (InitResult, error) {
	records, err := s.upstream.ListRecords(ctx, appToken, tableID, 0, s.cfg.PageSize, s.cfg.MaxPages)
	if err != nil {
		return InitResult{}, err
	}
	if err := s.stores.Snapshots.InitTable(ctx, appToken, tableID, records); err != nil {
		return InitResult{}, err
	}
	cursor := maxModified(records)
	if cursor > 0 {
		if err := s.stores.Checkpoints.Set(ctx, appToken, tableID, cursor); err != nil {
			return InitResult{}, err
		}
	}
	s.logger.Info("baseline initialized", "table_id", tableID, "records", len(records), "checkpoint", cursor)
	return InitResult{Records: len(records), Checkpoint: cursor}, nil
}

// ScanResult reports one incremental scan.
type ScanResult struct {
	Processed  int   `json:"processed"`
	Checkpoint int64 `json:"checkpoint"`
}

// Scan processes records modified since the table's checkpoint. The
// checkpoint only advances after every touched record was processed, so a
// failed run is retried from the same cursor.
func (s *Syncer) Scan(ctx context.Context, appToken, tableID string) (ScanResult, error) {
	cursor, _, err := s.stores.Checkpoints.Get(ctx, appToken, tableID)
	if err != nil {
		return ScanResult{}, err
	}
	records, err := s.upstream.ListRecords(ctx, appToken, tableID, cursor, s.cfg.PageSize, s.cfg.MaxPages)
	if err != nil {
		return ScanResult{}, err
	}

	processed := 0
	next := cursor
	for _, rec := range records {
		env := models.EventEnvelope{
			EventID:    fmt.Sprintf("scan:%s:%s:%d", tableID, rec.RecordID, rec.ModifiedMs),
			Type:       models.EventRecordUpdated,
			Source:     models.SourceScan,
			AppToken:   appToken,
			TableID:    tableID,
			RecordID:   rec.RecordID,
			ReceivedAt: s.now(),
		}
		if err := s.processor.Process(ctx, env); err != nil {
			return ScanResult{Processed: processed, Checkpoint: cursor}, err
		}
		processed++
		if rec.ModifiedMs > next {
			next = rec.ModifiedMs
		}
	}
	if next > cursor {
		if err := s.stores.Checkpoints.Set(ctx, appToken, tableID, next); err != nil {
			return ScanResult{Processed: processed, Checkpoint: cursor}, err
		}
	}
	return ScanResult{Processed: processed, Checkpoint: next}, nil
}

// SyncResult reports one full sweep.
type SyncResult struct {
	Processed         int  `json:"processed"`
	Deleted           int  `json:"deleted"`
	TargetsDeleted    int  `json:"targets_deleted"`
	DeletionTruncated bool `json:"deletion_truncated"`
}

// Sync runs a full sweep: every upstream record is processed, then snapshots
// of records gone upstream are reconciled, along with the upsert rows those
// records mirrored into other tables. Deletions are bounded per run so a
// transiently empty listing cannot wipe the mirror.
func (s *Syncer) Sync(ctx context.Context, appToken, tableID string) (SyncResult, error) {
	records, err := s.upstream.ListRecords(ctx, appToken, tableID, 0, s.cfg.PageSize, s.cfg.MaxPages)
	if err != nil {
		return SyncResult{}, err
	}

	var result SyncResult
	upstream := make(map[string]struct{}, len(records))
	cursor := int64(0)
	for _, rec := range records {
		upstream[rec.RecordID] = struct{}{}
		env := models.EventEnvelope{
			EventID:    fmt.Sprintf("sync:%s:%s:%d", tableID, rec.RecordID, rec.ModifiedMs),
			Type:       models.EventRecordUpdated,
			Source:     models.SourceSync,
			AppToken:   appToken,
			TableID:    tableID,
			RecordID:   rec.RecordID,
			ReceivedAt: s.now(),
		}
		if err := s.processor.Process(ctx, env); err != nil {
			return result, err
		}
		result.Processed++
		if rec.ModifiedMs > cursor {
			cursor = rec.ModifiedMs
		}
	}

	switch {
	case !s.cfg.DeletionsEnabled:
	case len(records) >= s.cfg.PageSize*s.cfg.MaxPages:
		// The listing hit its page cap, so absent ids are not reliable
		// orphans. Leave reconciliation to a later run.
		s.logger.Warn("listing possibly truncated, skipping deletion reconciliation",
			"table_id", tableID, "records", len(records))
	default:
		known, err := s.stores.Snapshots.RecordIDs(ctx, appToken, tableID)
		if err != nil {
			return result, err
		}
		targets := s.upsertTargets(appToken, tableID)
		for _, id := range known {
			if _, alive := upstream[id]; alive {
				continue
			}
			if result.Deleted >= s.cfg.DeletionsMaxPerRun {
				result.DeletionTruncated = true
				s.logger.Warn("deletion reconciliation truncated",
					"table_id", tableID, "limit", s.cfg.DeletionsMaxPerRun)
				break
			}
			if len(targets) > 0 {
				n, err := s.deleteUpsertTargets(ctx, appToken, tableID, id, targets)
				if err != nil {
					return result, err
				}
				result.TargetsDeleted += n
			}
			if err := s.stores.Snapshots.Delete(ctx, appToken, tableID, id); err != nil {
				return result, err
			}
			result.Deleted++
		}
	}

	if cursor > 0 {
		if err := s.stores.Checkpoints.Set(ctx, appToken, tableID, cursor); err != nil {
			return result, err
		}
	}
	s.logger.Info("full sync finished",
		"table_id", tableID, "processed", result.Processed,
		"deleted", result.Deleted, "targets_deleted", result.TargetsDeleted)
	return result, nil
}

// upsertTarget is one table a rule mirrors records into.
type upsertTarget struct {
	appToken    string
	tableID     string
	anchorField string
	anchorTmpl  string
}

// upsertTargets collects the bitable.upsert destinations of the enabled rules
// bound to one table, including those inside delayed sub-pipelines.
func (s *Syncer) upsertTargets(appToken, tableID string) []upsertTarget {
	if s.registry == nil {
		return nil
	}
	var out []upsertTarget
	seen := map[upsertTarget]struct{}{}
	var walk func(actions []models.Action)
	walk = func(actions []models.Action) {
		for _, action := range actions {
			if action.Type == models.ActionDelay {
				walk(action.Pipeline)
				continue
			}
			if action.Type != models.ActionBitableUpsert || action.AnchorField == "" {
				continue
			}
			tmpl, ok := action.Fields[action.AnchorField]
			if !ok || tmpl == "" {
				continue
			}
			t := upsertTarget{appToken: appToken, tableID: tableID,
				anchorField: action.AnchorField, anchorTmpl: tmpl}
			if action.Target != nil {
				if action.Target.AppToken != "" {
					t.appToken = action.Target.AppToken
				}
				if action.Target.TableID != "" {
					t.tableID = action.Target.TableID
				}
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, rule := range s.registry.RulesForTable(tableID) {
		walk(rule.Pipeline)
	}
	return out
}

// deleteUpsertTargets removes the rows a vanished source record upserted into
// other tables, resolved through its last snapshot. A record without a
// snapshot, or whose anchor renders empty, is skipped.
func (s *Syncer) deleteUpsertTargets(ctx context.Context, appToken, tableID, recordID string,
	targets []upsertTarget) (int, error) {

	fields, ok, err := s.stores.Snapshots.Load(ctx, appToken, tableID, recordID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	env := TemplateEnv{AppToken: appToken, TableID: tableID, RecordID: recordID}

	deleted := 0
	for _, t := range targets {
		anchor := RenderTemplate(t.anchorTmpl, fields, env)
		if anchor == "" {
			continue
		}
		matches, err := s.upstream.FindByField(ctx, t.appToken, t.tableID, t.anchorField, anchor)
		if err != nil {
			return deleted, err
		}
		for _, rec := range matches {
			loc := models.Locator{AppToken: t.appToken, TableID: t.tableID, RecordID: rec.RecordID}
			if err := s.upstream.DeleteRecord(ctx, loc); err != nil {
				return deleted, err
			}
			deleted++
			s.logger.Info("upsert target removed",
				"source_table", tableID, "source_record", recordID,
				"target_table", t.tableID, "target_record", rec.RecordID, "anchor", anchor)
		}
	}
	return deleted, nil
}

func maxModified(records []models.Record) int64 {
	var max int64
	for _, rec := range records {
		if rec.ModifiedMs > max {
			max = rec.ModifiedMs
		}
	}
	return max
}
