package automation

import (
	"context"
	"errors"

	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// Upstream is the slice of the tabular backend the engine talks to. The
// production implementation wraps the REST client; tests substitute fakes.
type Upstream interface {
	// FetchRecord returns the current record, or exists=false when the
	// record is gone upstream.
	FetchRecord(ctx context.Context, loc models.Locator) (models.Record, bool, error)
	// ListRecords pages through a table, returning records modified at or
	// after sinceMs (0 means everything).
	ListRecords(ctx context.Context, appToken, tableID string, sinceMs int64, pageSize, maxPages int) ([]models.Record, error)
	// FindByField returns records whose field matches the value exactly.
	FindByField(ctx context.Context, appToken, tableID, field, value string) ([]models.Record, error)
	CreateRecord(ctx context.Context, appToken, tableID string, fields models.Fields) (string, error)
	UpdateRecord(ctx context.Context, loc models.Locator, fields models.Fields) error
	DeleteRecord(ctx context.Context, loc models.Locator) error
	CreateCalendarEvent(ctx context.Context, ev feishu.CalendarEvent) (string, error)
	ListFields(ctx context.Context, appToken, tableID string) ([]feishu.FieldInfo, error)
}

// feishuUpstream adapts the REST client to the Upstream interface.
type feishuUpstream struct {
	client     *feishu.Client
	calendarID string
}

// NewUpstream wraps the REST client. The calendar id is resolved lazily on
// the first calendar.create action when empty.
func NewUpstream(client *feishu.Client, calendarID string) Upstream {
	return &feishuUpstream{client: client, calendarID: calendarID}
}

func (u *feishuUpstream) FetchRecord(ctx context.Context, loc models.Locator) (models.Record, bool, error) {
	kinds, err := u.client.FieldKinds(ctx, loc.AppToken, loc.TableID)
	if err != nil {
		return models.Record{}, false, err
	}
	rec, err := u.client.GetRecord(ctx, loc, kinds)
	if err != nil {
		var apiErr *feishu.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 1254043 || apiErr.Status == 404) {
			return models.Record{}, false, nil
		}
		return models.Record{}, false, err
	}
	return rec, true, nil
}

func (u *feishuUpstream) ListRecords(ctx context.Context, appToken, tableID string, sinceMs int64, pageSize, maxPages int) ([]models.Record, error) {
	kinds, err := u.client.FieldKinds(ctx, appToken, tableID)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPages <= 0 {
		maxPages = 50
	}

	var out []models.Record
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		res, err := u.client.SearchRecords(ctx, feishu.SearchRequest{
			AppToken:  appToken,
			TableID:   tableID,
			PageSize:  pageSize,
			PageToken: pageToken,
		}, kinds)
		if err != nil {
			return nil, err
		}
		for _, rec := range res.Records {
			if sinceMs > 0 && rec.ModifiedMs > 0 && rec.ModifiedMs < sinceMs {
				continue
			}
			out = append(out, rec)
		}
		if !res.HasMore || res.PageToken == "" {
			break
		}
		pageToken = res.PageToken
	}
	return out, nil
}

func (u *feishuUpstream) FindByField(ctx context.Context, appToken, tableID, field, value string) ([]models.Record, error) {
	kinds, err := u.client.FieldKinds(ctx, appToken, tableID)
	if err != nil {
		return nil, err
	}
	res, err := u.client.SearchRecords(ctx, feishu.SearchRequest{
		AppToken: appToken,
		TableID:  tableID,
		PageSize: 10,
		Filter: &feishu.SearchFilter{
			Conjunction: "and",
			Conditions:  []feishu.SearchCondition{{FieldName: field, Operator: "is", Value: []string{value}}},
		},
	}, kinds)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (u *feishuUpstream) CreateRecord(ctx context.Context, appToken, tableID string, fields models.Fields) (string, error) {
	return u.client.CreateRecord(ctx, appToken, tableID, fields)
}

func (u *feishuUpstream) UpdateRecord(ctx context.Context, loc models.Locator, fields models.Fields) error {
	return u.client.UpdateRecord(ctx, loc, fields)
}

func (u *feishuUpstream) DeleteRecord(ctx context.Context, loc models.Locator) error {
	return u.client.DeleteRecord(ctx, loc)
}

func (u *feishuUpstream) CreateCalendarEvent(ctx context.Context, ev feishu.CalendarEvent) (string, error) {
	if u.calendarID == "" {
		id, err := u.client.PrimaryCalendarID(ctx)
		if err != nil {
			return "", err
		}
		u.calendarID = id
	}
	return u.client.CreateCalendarEvent(ctx, u.calendarID, ev)
}

func (u *feishuUpstream) ListFields(ctx context.Context, appToken, tableID string) ([]feishu.FieldInfo, error) {
	return u.client.ListFields(ctx, appToken, tableID)
}
