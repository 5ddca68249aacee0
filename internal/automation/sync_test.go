package automation

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/bitflow/pkg/models"
)

func newSyncerFixture(t *testing.T, cfg SyncConfig, rules ...models.Rule) (*Syncer, *processorFixture) {
	t.Helper()
	fx := newProcessorFixture(t, ProcessorConfig{}, rules...)
	s := NewSyncer(fx.processor, fx.registry, fx.upstream, fx.stores, cfg, testLogger())
	return s, fx
}

func TestInit_EstablishesBaselineWithoutFiring(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{}, classificationRule())
	rec := caseRecord("劳动争议")
	fx.upstream.put(rec)

	res, err := s.Init(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if res.Records != 1 {
		t.Fatalf("records = %d", res.Records)
	}
	if res.Checkpoint != 100 {
		t.Fatalf("checkpoint = %d", res.Checkpoint)
	}
	if fx.upstream.calendarCount() != 0 {
		t.Fatal("init must not fire rules")
	}
	if _, ok, _ := fx.stores.Snapshots.Load(context.Background(), "app_a", "tbl_a", "rec_x"); !ok {
		t.Fatal("snapshot missing after init")
	}
}

func TestScan_ProcessesChangesAndAdvancesCheckpoint(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{}, classificationRule())
	rec := caseRecord("民事")
	fx.upstream.put(rec)
	if _, err := s.Init(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}

	changed := caseRecord("劳动争议")
	changed.ModifiedMs = 200
	fx.upstream.put(changed)

	res, err := s.Scan(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d", res.Processed)
	}
	if res.Checkpoint != 200 {
		t.Fatalf("checkpoint = %d", res.Checkpoint)
	}
	if fx.upstream.calendarCount() != 1 {
		t.Fatalf("pipeline runs = %d, want 1", fx.upstream.calendarCount())
	}

	// A second scan from the advanced cursor sees nothing new.
	res, err = s.Scan(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatal(err)
	}
	if fx.upstream.calendarCount() != 1 {
		t.Fatal("idle scan must not re-run pipelines")
	}
	if res.Checkpoint != 200 {
		t.Fatalf("idle scan moved checkpoint to %d", res.Checkpoint)
	}
}

func TestSync_ReconcilesDeletionsBounded(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{DeletionsEnabled: true, DeletionsMaxPerRun: 2}, classificationRule())

	for _, id := range []string{"rec_1", "rec_2", "rec_3", "rec_4"} {
		rec := caseRecord("民事")
		rec.RecordID = id
		fx.upstream.put(rec)
	}
	if _, err := s.Init(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}

	// Three records vanish upstream; the bound keeps the sweep partial.
	fx.upstream.remove("app_a", "tbl_a", "rec_1")
	fx.upstream.remove("app_a", "tbl_a", "rec_2")
	fx.upstream.remove("app_a", "tbl_a", "rec_3")

	res, err := s.Sync(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("deleted = %d, want 2", res.Deleted)
	}
	if !res.DeletionTruncated {
		t.Fatal("truncation not reported")
	}

	ids, _ := fx.stores.Snapshots.RecordIDs(context.Background(), "app_a", "tbl_a")
	if len(ids) != 2 {
		t.Fatalf("remaining snapshots = %v", ids)
	}

	// The next sweep finishes the reconciliation.
	res, err = s.Sync(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || res.DeletionTruncated {
		t.Fatalf("second sweep = %+v", res)
	}
}

func mirrorRule() models.Rule {
	return models.Rule{
		ID:      "R010",
		Enabled: true,
		Table:   models.TableRef{AppToken: "app_a", TableID: "tbl_a"},
		Trigger: models.Trigger{
			On:        []models.TriggerOn{models.TriggerOnUpdated},
			Field:     "案件分类",
			Condition: &models.Condition{Kind: models.CondEquals, Value: "劳动争议"},
		},
		Pipeline: []models.Action{
			{
				Type:        models.ActionBitableUpsert,
				Target:      &models.TableRef{TableID: "tbl_mirror"},
				AnchorField: "案件名称",
				Fields:      map[string]string{"案件名称": "{案件名称}", "分类": "{案件分类}"},
			},
		},
	}
}

func TestSync_RemovesUpsertTargetsForDeletedSources(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{DeletionsEnabled: true}, mirrorRule())

	rec := caseRecord("民事")
	fx.upstream.put(rec)
	if _, err := s.Init(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}

	// The row an earlier upsert mirrored into the target table.
	fx.upstream.put(models.Record{
		AppToken: "app_a",
		TableID:  "tbl_mirror",
		RecordID: "rec_m1",
		Fields:   models.Fields{"案件名称": models.TextValue("劳动合同纠纷")},
	})

	fx.upstream.remove("app_a", "tbl_a", "rec_x")

	res, err := s.Sync(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Deleted != 1 || res.TargetsDeleted != 1 {
		t.Fatalf("result = %+v", res)
	}

	left, err := fx.upstream.FindByField(context.Background(), "app_a", "tbl_mirror", "案件名称", "劳动合同纠纷")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("mirrored rows survived: %+v", left)
	}
}

func TestSync_SurvivingSourcesKeepUpsertTargets(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{DeletionsEnabled: true}, mirrorRule())

	rec := caseRecord("民事")
	fx.upstream.put(rec)
	if _, err := s.Init(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}
	fx.upstream.put(models.Record{
		AppToken: "app_a",
		TableID:  "tbl_mirror",
		RecordID: "rec_m1",
		Fields:   models.Fields{"案件名称": models.TextValue("劳动合同纠纷")},
	})

	if _, err := s.Sync(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}
	left, _ := fx.upstream.FindByField(context.Background(), "app_a", "tbl_mirror", "案件名称", "劳动合同纠纷")
	if len(left) != 1 {
		t.Fatalf("mirror row removed while its source is alive: %+v", left)
	}
}

func TestSync_TruncatedListingSkipsDeletions(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{
		DeletionsEnabled: true, PageSize: 1, MaxPages: 1}, classificationRule())

	for _, id := range []string{"rec_1", "rec_2"} {
		rec := caseRecord("民事")
		rec.RecordID = id
		fx.upstream.put(rec)
	}
	if _, err := s.Init(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}
	fx.upstream.remove("app_a", "tbl_a", "rec_2")

	// The listing fills its page cap, so rec_2's absence is not trusted.
	res, err := s.Sync(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 0 {
		t.Fatalf("deleted = %d", res.Deleted)
	}
	ids, _ := fx.stores.Snapshots.RecordIDs(context.Background(), "app_a", "tbl_a")
	if len(ids) != 2 {
		t.Fatalf("snapshots = %v", ids)
	}
}

func TestSync_DeletionsDisabledKeepsSnapshots(t *testing.T) {
	s, fx := newSyncerFixture(t, SyncConfig{}, classificationRule())
	rec := caseRecord("民事")
	fx.upstream.put(rec)
	if _, err := s.Init(context.Background(), "app_a", "tbl_a"); err != nil {
		t.Fatal(err)
	}
	fx.upstream.remove("app_a", "tbl_a", "rec_x")

	res, err := s.Sync(context.Background(), "app_a", "tbl_a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 0 {
		t.Fatalf("deleted = %d", res.Deleted)
	}
	ids, _ := fx.stores.Snapshots.RecordIDs(context.Background(), "app_a", "tbl_a")
	if len(ids) != 1 {
		t.Fatalf("snapshots = %v", ids)
	}
}

func TestScheduler_RunsDueTask(t *testing.T) {
	fx := newProcessorFixture(t, ProcessorConfig{}, classificationRule())
	rec := caseRecord("劳动争议")
	fx.upstream.put(rec)

	exec := NewExecutor(fx.upstream, fx.stores.DeadLetters, fx.stores.DelayTasks,
		ExecutorConfig{MaxRetries: 2, RetryPolicy: fastRetryPolicy()}, testLogger(), testMetrics(t))
	now := time.Now()
	sched := NewScheduler(fx.stores.DelayTasks, fx.upstream, exec, testLogger(),
		WithSchedulerNow(func() time.Time { return now }))

	task := models.DelayTask{
		TaskID:      "task_1",
		RuleID:      "R001",
		ScheduledAt: now.Add(-time.Second),
		AppToken:    "app_a",
		TableID:     "tbl_a",
		RecordID:    "rec_x",
		Pipeline: []models.Action{
			{Type: models.ActionCalendarCreate, Title: "{案件名称}", StartField: "开庭日"},
		},
		Status:    models.DelayScheduled,
		CreatedAt: now.Add(-time.Minute),
	}
	if err := fx.stores.DelayTasks.Schedule(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fx.upstream.calendarCount() != 1 {
		t.Fatalf("sub-pipeline runs = %d, want 1", fx.upstream.calendarCount())
	}

	done, err := sched.Tasks(context.Background(), models.DelayDone, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].TaskID != "task_1" {
		t.Fatalf("done tasks = %+v", done)
	}
}

func TestScheduler_DeletedRecordFailsTask(t *testing.T) {
	fx := newProcessorFixture(t, ProcessorConfig{}, classificationRule())
	exec := NewExecutor(fx.upstream, fx.stores.DeadLetters, fx.stores.DelayTasks,
		ExecutorConfig{MaxRetries: 2, RetryPolicy: fastRetryPolicy()}, testLogger(), testMetrics(t))
	now := time.Now()
	sched := NewScheduler(fx.stores.DelayTasks, fx.upstream, exec, testLogger(),
		WithSchedulerNow(func() time.Time { return now }))

	task := models.DelayTask{
		TaskID:      "task_gone",
		RuleID:      "R001",
		ScheduledAt: now.Add(-time.Second),
		AppToken:    "app_a",
		TableID:     "tbl_a",
		RecordID:    "rec_missing",
		Pipeline:    []models.Action{{Type: models.ActionLogWrite, Template: "x"}},
		Status:      models.DelayScheduled,
		CreatedAt:   now,
	}
	if err := fx.stores.DelayTasks.Schedule(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	failed, err := sched.Tasks(context.Background(), models.DelayFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed tasks = %+v", failed)
	}
}
