package automation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/internal/observability"
	"github.com/haasonsaas/bitflow/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	m, _ := observability.NewMetrics()
	return m
}

// fakeUpstream is an in-memory Upstream with failure injection.
type fakeUpstream struct {
	mu      sync.Mutex
	records map[string]models.Record
	fields  map[string][]feishu.FieldInfo

	created  []models.Record
	updated  []models.Fields
	calendar []feishu.CalendarEvent

	// updateFailures fails that many UpdateRecord calls with a transient
	// error before succeeding.
	updateFailures int
	updateErr      error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		records: map[string]models.Record{},
		fields:  map[string][]feishu.FieldInfo{},
	}
}

func upstreamKey(appToken, tableID, recordID string) string {
	return appToken + "/" + tableID + "/" + recordID
}

func (f *fakeUpstream) put(rec models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[upstreamKey(rec.AppToken, rec.TableID, rec.RecordID)] = rec
}

func (f *fakeUpstream) remove(appToken, tableID, recordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, upstreamKey(appToken, tableID, recordID))
}

func (f *fakeUpstream) FetchRecord(_ context.Context, loc models.Locator) (models.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[upstreamKey(loc.AppToken, loc.TableID, loc.RecordID)]
	return rec, ok, nil
}

func (f *fakeUpstream) ListRecords(_ context.Context, appToken, tableID string, sinceMs int64, _, _ int) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Record
	for _, rec := range f.records {
		if rec.AppToken != appToken || rec.TableID != tableID {
			continue
		}
		if sinceMs > 0 && rec.ModifiedMs > 0 && rec.ModifiedMs < sinceMs {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

func (f *fakeUpstream) FindByField(_ context.Context, appToken, tableID, field, value string) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Record
	for _, rec := range f.records {
		if rec.AppToken != appToken || rec.TableID != tableID {
			continue
		}
		if v, ok := rec.Fields[field]; ok && v.String() == value {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

func (f *fakeUpstream) CreateRecord(_ context.Context, appToken, tableID string, fields models.Fields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("rec_fake_%d", len(f.created)+1)
	rec := models.Record{AppToken: appToken, TableID: tableID, RecordID: id, Fields: fields}
	f.records[upstreamKey(appToken, tableID, id)] = rec
	f.created = append(f.created, rec)
	return id, nil
}

func (f *fakeUpstream) UpdateRecord(_ context.Context, loc models.Locator, fields models.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.updateFailures > 0 {
		f.updateFailures--
		return fmt.Errorf("upstream flake: %w", context.DeadlineExceeded)
	}
	key := upstreamKey(loc.AppToken, loc.TableID, loc.RecordID)
	rec, ok := f.records[key]
	if !ok {
		rec = models.Record{AppToken: loc.AppToken, TableID: loc.TableID, RecordID: loc.RecordID, Fields: models.Fields{}}
	}
	merged := rec.Fields.Clone()
	for k, v := range fields {
		merged[k] = v
	}
	rec.Fields = merged
	f.records[key] = rec
	f.updated = append(f.updated, fields)
	return nil
}

func (f *fakeUpstream) DeleteRecord(_ context.Context, loc models.Locator) error {
	f.remove(loc.AppToken, loc.TableID, loc.RecordID)
	return nil
}

func (f *fakeUpstream) CreateCalendarEvent(_ context.Context, ev feishu.CalendarEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendar = append(f.calendar, ev)
	return fmt.Sprintf("cal_%d", len(f.calendar)), nil
}

func (f *fakeUpstream) ListFields(_ context.Context, appToken, tableID string) ([]feishu.FieldInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[appToken+"/"+tableID], nil
}

func (f *fakeUpstream) setFields(appToken, tableID string, infos []feishu.FieldInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[appToken+"/"+tableID] = infos
}

func (f *fakeUpstream) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updated)
}

func (f *fakeUpstream) calendarCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calendar)
}
