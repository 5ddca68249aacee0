package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// TableInfo is one table of a bitable app.
type TableInfo struct {
	TableID string `json:"table_id"`
	Name    string `json:"name"`
}

// rawRecord is the wire shape of one record.
type rawRecord struct {
	RecordID         string                     `json:"record_id"`
	Fields           map[string]json.RawMessage `json:"fields"`
	LastModifiedTime int64                      `json:"last_modified_time"`
}

func (c *Client) toRecord(appToken, tableID string, rr rawRecord, kinds map[string]models.FieldKind) models.Record {
	return models.Record{
		AppToken:   appToken,
		TableID:    tableID,
		RecordID:   rr.RecordID,
		Fields:     DecodeFields(rr.Fields, kinds),
		ModifiedMs: rr.LastModifiedTime,
	}
}

// ListTables returns the tables of a bitable app.
func (c *Client) ListTables(ctx context.Context, appToken string) ([]TableInfo, error) {
	var tables []TableInfo
	pageToken := ""
	for {
		path := fmt.Sprintf("/bitable/v1/apps/%s/tables?page_size=100", url.PathEscape(appToken))
		if pageToken != "" {
			path += "&page_token=" + url.QueryEscape(pageToken)
		}
		var data struct {
			Items     []TableInfo `json:"items"`
			HasMore   bool        `json:"has_more"`
			PageToken string      `json:"page_token"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
			return nil, err
		}
		tables = append(tables, data.Items...)
		if !data.HasMore || data.PageToken == "" {
			return tables, nil
		}
		pageToken = data.PageToken
	}
}

// ListFields returns the schema of one table.
func (c *Client) ListFields(ctx context.Context, appToken, tableID string) ([]FieldInfo, error) {
	var fields []FieldInfo
	pageToken := ""
	for {
		path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/fields?page_size=100",
			url.PathEscape(appToken), url.PathEscape(tableID))
		if pageToken != "" {
			path += "&page_token=" + url.QueryEscape(pageToken)
		}
		var data struct {
			Items     []FieldInfo `json:"items"`
			HasMore   bool        `json:"has_more"`
			PageToken string      `json:"page_token"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
			return nil, err
		}
		fields = append(fields, data.Items...)
		if !data.HasMore || data.PageToken == "" {
			return fields, nil
		}
		pageToken = data.PageToken
	}
}

// FieldKinds fetches the schema and returns a name-to-kind map for decoding.
func (c *Client) FieldKinds(ctx context.Context, appToken, tableID string) (map[string]models.FieldKind, error) {
	infos, err := c.ListFields(ctx, appToken, tableID)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]models.FieldKind, len(infos))
	for _, fi := range infos {
		kinds[fi.FieldName] = fi.Kind()
	}
	return kinds, nil
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, loc models.Locator, kinds map[string]models.FieldKind) (models.Record, error) {
	if !loc.Valid() {
		return models.Record{}, fmt.Errorf("incomplete record locator")
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(loc.AppToken), url.PathEscape(loc.TableID), url.PathEscape(loc.RecordID))
	var data struct {
		Record rawRecord `json:"record"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return models.Record{}, err
	}
	return c.toRecord(loc.AppToken, loc.TableID, data.Record, kinds), nil
}

// SearchCondition is one filter predicate of a record search.
type SearchCondition struct {
	FieldName string   `json:"field_name"`
	Operator  string   `json:"operator"`
	Value     []string `json:"value,omitempty"`
}

// SearchFilter combines conditions with "and" or "or".
type SearchFilter struct {
	Conjunction string            `json:"conjunction"`
	Conditions  []SearchCondition `json:"conditions"`
}

// SearchSort orders search results by one field.
type SearchSort struct {
	FieldName string `json:"field_name"`
	Desc      bool   `json:"desc"`
}

// SearchRequest describes one page of a record search.
type SearchRequest struct {
	AppToken   string
	TableID    string
	ViewID     string
	FieldNames []string
	Filter     *SearchFilter
	Sorts      []SearchSort
	PageSize   int
	PageToken  string
}

// SearchResult is one page of matching records.
type SearchResult struct {
	Records   []models.Record
	HasMore   bool
	PageToken string
	Total     int
}

// SearchRecords runs a filtered search over one table.
func (c *Client) SearchRecords(ctx context.Context, req SearchRequest, kinds map[string]models.FieldKind) (SearchResult, error) {
	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/search?page_size=%d",
		url.PathEscape(req.AppToken), url.PathEscape(req.TableID), req.PageSize)
	if req.PageToken != "" {
		path += "&page_token=" + url.QueryEscape(req.PageToken)
	}

	body := map[string]any{}
	if req.ViewID != "" {
		body["view_id"] = req.ViewID
	}
	if len(req.FieldNames) > 0 {
		body["field_names"] = req.FieldNames
	}
	if req.Filter != nil && len(req.Filter.Conditions) > 0 {
		body["filter"] = req.Filter
	}
	if len(req.Sorts) > 0 {
		body["sort"] = req.Sorts
	}

	var data struct {
		Items     []rawRecord `json:"items"`
		HasMore   bool        `json:"has_more"`
		PageToken string      `json:"page_token"`
		Total     int         `json:"total"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &data); err != nil {
		return SearchResult{}, err
	}

	out := SearchResult{HasMore: data.HasMore, PageToken: data.PageToken, Total: data.Total}
	out.Records = make([]models.Record, 0, len(data.Items))
	for _, rr := range data.Items {
		out.Records = append(out.Records, c.toRecord(req.AppToken, req.TableID, rr, kinds))
	}
	return out, nil
}

// CreateRecord inserts a new record and returns its id.
func (c *Client) CreateRecord(ctx context.Context, appToken, tableID string, fields models.Fields) (string, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records",
		url.PathEscape(appToken), url.PathEscape(tableID))
	body := map[string]any{"fields": EncodeFields(fields)}
	var data struct {
		Record rawRecord `json:"record"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &data); err != nil {
		return "", err
	}
	return data.Record.RecordID, nil
}

// UpdateRecord writes the given fields onto an existing record.
func (c *Client) UpdateRecord(ctx context.Context, loc models.Locator, fields models.Fields) error {
	if !loc.Valid() {
		return fmt.Errorf("incomplete record locator")
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(loc.AppToken), url.PathEscape(loc.TableID), url.PathEscape(loc.RecordID))
	body := map[string]any{"fields": EncodeFields(fields)}
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// UpdateRecordField writes a single field, used as the per-field fallback
// when a batched write is rejected.
func (c *Client) UpdateRecordField(ctx context.Context, loc models.Locator, name string, value models.FieldValue) error {
	return c.UpdateRecord(ctx, loc, models.Fields{name: value})
}

// DeleteRecord removes one record.
func (c *Client) DeleteRecord(ctx context.Context, loc models.Locator) error {
	if !loc.Valid() {
		return fmt.Errorf("incomplete record locator")
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(loc.AppToken), url.PathEscape(loc.TableID), url.PathEscape(loc.RecordID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
