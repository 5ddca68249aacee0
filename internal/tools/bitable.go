package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// BitableDefaults carries the fallback app/table/view used when a call
// omits them.
type BitableDefaults struct {
	AppToken string
	TableID  string
	ViewID   string
}

// Bitable implements the bitable tool family over one upstream client.
type Bitable struct {
	client   *feishu.Client
	defaults BitableDefaults
	logger   *slog.Logger

	mu      sync.Mutex
	schemas map[string]tableSchema // app/table -> cached schema
}

type tableSchema struct {
	kinds      map[string]models.FieldKind
	normalized map[string]string // normalized name -> actual name
}

// NewBitable builds the bitable tool family.
func NewBitable(client *feishu.Client, defaults BitableDefaults, logger *slog.Logger) *Bitable {
	return &Bitable{
		client:   client,
		defaults: defaults,
		logger:   logger.With("component", "tools.bitable"),
		schemas:  make(map[string]tableSchema),
	}
}

// normalizeFieldName folds whitespace, underscores and case so user-supplied
// field names match the table schema loosely.
func normalizeFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "")
	name = strings.ReplaceAll(name, "_", "")
	return name
}

func (b *Bitable) schema(ctx context.Context, appToken, tableID string) (tableSchema, error) {
	key := appToken + "/" + tableID
	b.mu.Lock()
	if s, ok := b.schemas[key]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	infos, err := b.client.ListFields(ctx, appToken, tableID)
	if err != nil {
		return tableSchema{}, err
	}
	s := tableSchema{
		kinds:      make(map[string]models.FieldKind, len(infos)),
		normalized: make(map[string]string, len(infos)),
	}
	for _, fi := range infos {
		s.kinds[fi.FieldName] = fi.Kind()
		s.normalized[normalizeFieldName(fi.FieldName)] = fi.FieldName
	}
	b.mu.Lock()
	b.schemas[key] = s
	b.mu.Unlock()
	return s, nil
}

// invalidateSchema drops the cached schema, forcing a refetch.
func (b *Bitable) invalidateSchema(appToken, tableID string) {
	b.mu.Lock()
	delete(b.schemas, appToken+"/"+tableID)
	b.mu.Unlock()
}

// resolveField maps a loosely-written field name onto the schema name.
func (s tableSchema) resolveField(name string) (string, bool) {
	if _, ok := s.kinds[name]; ok {
		return name, true
	}
	actual, ok := s.normalized[normalizeFieldName(name)]
	return actual, ok
}

type locatorParams struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

func (b *Bitable) resolveLocator(p locatorParams) models.Locator {
	loc := models.Locator{AppToken: p.AppToken, TableID: p.TableID, RecordID: p.RecordID}
	if loc.AppToken == "" {
		loc.AppToken = b.defaults.AppToken
	}
	if loc.TableID == "" {
		loc.TableID = b.defaults.TableID
	}
	return loc
}

// renderRecord flattens a record for the envelope: display strings per field.
func renderRecord(rec models.Record) map[string]any {
	fields := make(map[string]any, len(rec.Fields))
	for name, v := range rec.Fields {
		fields[name] = v.String()
	}
	return map[string]any{
		"record_id": rec.RecordID,
		"table_id":  rec.TableID,
		"fields":    fields,
	}
}

func renderRecords(recs []models.Record) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, renderRecord(r))
	}
	return out
}

// Tools returns every bitable tool, ready for registration.
func (b *Bitable) Tools() []Tool {
	return []Tool{
		b.listTablesTool(),
		b.searchTool(),
		b.searchExactTool(),
		b.searchKeywordTool(),
		b.searchPersonTool(),
		b.searchDateRangeTool(),
		b.recordGetTool(),
		b.recordCreateTool(),
		b.recordUpdateTool(),
		b.recordDeleteTool(),
	}
}

func (b *Bitable) listTablesTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.list_tables",
		Desc:     "List bitable tables under an app token.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"}
			}
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				AppToken string `json:"app_token"`
			}
			if err := json.Unmarshal(params, &p); err != nil && len(params) > 0 {
				return nil, err
			}
			appToken := p.AppToken
			if appToken == "" {
				appToken = b.defaults.AppToken
			}
			if appToken == "" {
				return map[string]any{"tables": []any{}, "total": 0}, nil
			}
			tables, err := b.client.ListTables(ctx, appToken)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tables": tables, "total": len(tables)}, nil
		},
	}
}

type searchParams struct {
	locatorParams
	Keyword   string `json:"keyword"`
	FromMs    int64  `json:"from_ms"`
	ToMs      int64  `json:"to_ms"`
	DateField string `json:"date_field"`
	Limit     int    `json:"limit"`
	ViewID    string `json:"view_id"`
}

func (b *Bitable) searchTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.search",
		Desc:     "Search records by keyword and optional date range.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"keyword": {"type": "string"},
				"date_field": {"type": "string"},
				"from_ms": {"type": "integer"},
				"to_ms": {"type": "integer"},
				"limit": {"type": "integer"},
				"view_id": {"type": "string"}
			}
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p searchParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			schema, err := b.schema(ctx, loc.AppToken, loc.TableID)
			if err != nil {
				return nil, err
			}

			filter := &feishu.SearchFilter{Conjunction: "and"}
			if p.Keyword != "" {
				kw := keywordFilter(schema, p.Keyword)
				if len(kw.Conditions) == 1 {
					filter.Conditions = append(filter.Conditions, kw.Conditions...)
				} else if len(kw.Conditions) > 1 {
					// A single keyword across many text fields is an OR search.
					filter = kw
				}
			}
			if p.DateField != "" && p.FromMs > 0 && p.ToMs > 0 {
				actual, ok := schema.resolveField(p.DateField)
				if !ok {
					return nil, &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("field %s not in table", p.DateField)}
				}
				if filter.Conjunction == "or" {
					// Date bounds must AND with the keyword disjunction; fall
					// back to post-filtering by dropping the keyword OR set.
					filter = &feishu.SearchFilter{Conjunction: "and"}
				}
				filter.Conditions = append(filter.Conditions, dateRangeConditions(actual, p.FromMs, p.ToMs)...)
			}

			return b.runSearch(ctx, loc, p.ViewID, filter, p.Limit, schema)
		},
	}
}

func (b *Bitable) searchExactTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.search_exact",
		Desc:     "Search records where one field matches a value exactly.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"field": {"type": "string"},
				"value": {"type": "string"},
				"limit": {"type": "integer"}
			},
			"required": ["field", "value"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				locatorParams
				Field string `json:"field"`
				Value string `json:"value"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			schema, err := b.schema(ctx, loc.AppToken, loc.TableID)
			if err != nil {
				return nil, err
			}
			actual, ok := schema.resolveField(p.Field)
			if !ok {
				return nil, &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("field %s not in table", p.Field)}
			}

			// Free-text kinds match by containment, enumerated kinds exactly.
			op := "is"
			switch schema.kinds[actual] {
			case models.FieldKindText, models.FieldKindPhone, models.FieldKindLink:
				op = "contains"
			}
			filter := &feishu.SearchFilter{
				Conjunction: "and",
				Conditions:  []feishu.SearchCondition{{FieldName: actual, Operator: op, Value: []string{p.Value}}},
			}
			res, err := b.runSearch(ctx, loc, "", filter, p.Limit, schema)
			if err != nil {
				return nil, err
			}
			// Retry with the alternate operator when the first form finds
			// nothing, since select-vs-text typing is easy to get wrong.
			if m, ok := res.(map[string]any); ok {
				if total, _ := m["total"].(int); total == 0 {
					alt := "contains"
					if op == "contains" {
						alt = "is"
					}
					filter.Conditions[0].Operator = alt
					if retried, err := b.runSearch(ctx, loc, "", filter, p.Limit, schema); err == nil {
						return retried, nil
					}
				}
			}
			return res, nil
		},
	}
}

func (b *Bitable) searchKeywordTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.search_keyword",
		Desc:     "Search records by keyword across all text fields.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"keyword": {"type": "string"},
				"limit": {"type": "integer"}
			},
			"required": ["keyword"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				locatorParams
				Keyword string `json:"keyword"`
				Limit   int    `json:"limit"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			schema, err := b.schema(ctx, loc.AppToken, loc.TableID)
			if err != nil {
				return nil, err
			}
			return b.runSearch(ctx, loc, "", keywordFilter(schema, p.Keyword), p.Limit, schema)
		},
	}
}

func (b *Bitable) searchPersonTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.search_person",
		Desc:     "Search records where a person field contains the given open_id.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"field": {"type": "string"},
				"open_id": {"type": "string"},
				"limit": {"type": "integer"}
			},
			"required": ["field", "open_id"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				locatorParams
				Field  string `json:"field"`
				OpenID string `json:"open_id"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			schema, err := b.schema(ctx, loc.AppToken, loc.TableID)
			if err != nil {
				return nil, err
			}
			actual, ok := schema.resolveField(p.Field)
			if !ok {
				return nil, &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("field %s not in table", p.Field)}
			}
			filter := &feishu.SearchFilter{
				Conjunction: "and",
				Conditions:  []feishu.SearchCondition{{FieldName: actual, Operator: "contains", Value: []string{p.OpenID}}},
			}
			return b.runSearch(ctx, loc, "", filter, p.Limit, schema)
		},
	}
}

func (b *Bitable) searchDateRangeTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.search_date_range",
		Desc:     "Search records whose date field falls in an epoch-ms range.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"field": {"type": "string"},
				"from_ms": {"type": "integer"},
				"to_ms": {"type": "integer"},
				"limit": {"type": "integer"}
			},
			"required": ["field", "from_ms", "to_ms"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				locatorParams
				Field  string `json:"field"`
				FromMs int64  `json:"from_ms"`
				ToMs   int64  `json:"to_ms"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			schema, err := b.schema(ctx, loc.AppToken, loc.TableID)
			if err != nil {
				return nil, err
			}
			actual, ok := schema.resolveField(p.Field)
			if !ok {
				return nil, &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("field %s not in table", p.Field)}
			}
			filter := &feishu.SearchFilter{
				Conjunction: "and",
				Conditions:  dateRangeConditions(actual, p.FromMs, p.ToMs),
			}
			return b.runSearch(ctx, loc, "", filter, p.Limit, schema)
		},
	}
}

func (b *Bitable) recordGetTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.record.get",
		Desc:     "Get a single record by id.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"record_id": {"type": "string"}
			},
			"required": ["record_id"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p locatorParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p)
			schema, err := b.schema(ctx, loc.AppToken, loc.TableID)
			if err != nil {
				return nil, err
			}
			rec, err := b.client.GetRecord(ctx, loc, schema.kinds)
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": renderRecord(rec)}, nil
		},
	}
}

func (b *Bitable) recordCreateTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.record.create",
		Desc:     "Create a record from a field map.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"fields": {"type": "object"}
			},
			"required": ["fields"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				locatorParams
				Fields map[string]json.RawMessage `json:"fields"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			fields, err := b.coerceFields(ctx, loc.AppToken, loc.TableID, p.Fields)
			if err != nil {
				return nil, err
			}
			recordID, err := b.client.CreateRecord(ctx, loc.AppToken, loc.TableID, fields)
			if err != nil {
				return nil, err
			}
			return map[string]any{"record_id": recordID}, nil
		},
	}
}

func (b *Bitable) recordUpdateTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.record.update",
		Desc:     "Update fields of an existing record.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"record_id": {"type": "string"},
				"fields": {"type": "object"}
			},
			"required": ["record_id", "fields"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				locatorParams
				Fields map[string]json.RawMessage `json:"fields"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p.locatorParams)
			fields, err := b.coerceFields(ctx, loc.AppToken, loc.TableID, p.Fields)
			if err != nil {
				return nil, err
			}
			if err := b.client.UpdateRecord(ctx, loc, fields); err != nil {
				return nil, err
			}
			return map[string]any{"record_id": loc.RecordID, "updated": true}, nil
		},
	}
}

func (b *Bitable) recordDeleteTool() Tool {
	return ToolFunc{
		ToolName: "feishu.v1.bitable.record.delete",
		Desc:     "Delete a single record by id.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"app_token": {"type": "string"},
				"table_id": {"type": "string"},
				"record_id": {"type": "string"}
			},
			"required": ["record_id"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p locatorParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			loc := b.resolveLocator(p)
			if err := b.client.DeleteRecord(ctx, loc); err != nil {
				return nil, err
			}
			return map[string]any{"record_id": loc.RecordID, "deleted": true}, nil
		},
	}
}

func (b *Bitable) runSearch(ctx context.Context, loc models.Locator, viewID string, filter *feishu.SearchFilter, limit int, schema tableSchema) (any, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if viewID == "" {
		viewID = b.defaults.ViewID
	}
	res, err := b.client.SearchRecords(ctx, feishu.SearchRequest{
		AppToken: loc.AppToken,
		TableID:  loc.TableID,
		ViewID:   viewID,
		Filter:   filter,
		PageSize: limit,
	}, schema.kinds)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"records":  renderRecords(res.Records),
		"total":    res.Total,
		"has_more": res.HasMore,
	}, nil
}

// keywordFilter builds a contains-OR filter over every text-like field.
func keywordFilter(schema tableSchema, keyword string) *feishu.SearchFilter {
	filter := &feishu.SearchFilter{Conjunction: "or"}
	if keyword == "" {
		return filter
	}
	for name, kind := range schema.kinds {
		switch kind {
		case models.FieldKindText, models.FieldKindPhone, models.FieldKindLink,
			models.FieldKindSingleSelect, models.FieldKindMultiSelect:
			filter.Conditions = append(filter.Conditions, feishu.SearchCondition{
				FieldName: name, Operator: "contains", Value: []string{keyword},
			})
		}
	}
	return filter
}

func dateRangeConditions(field string, fromMs, toMs int64) []feishu.SearchCondition {
	return []feishu.SearchCondition{
		{FieldName: field, Operator: "isGreaterEqual", Value: []string{"ExactDate", strconv.FormatInt(fromMs, 10)}},
		{FieldName: field, Operator: "isLessEqual", Value: []string{"ExactDate", strconv.FormatInt(toMs, 10)}},
	}
}

// coerceFields resolves loose field names against the schema and types the
// raw JSON values.
func (b *Bitable) coerceFields(ctx context.Context, appToken, tableID string, raw map[string]json.RawMessage) (models.Fields, error) {
	schema, err := b.schema(ctx, appToken, tableID)
	if err != nil {
		return nil, err
	}
	fields := make(models.Fields, len(raw))
	for name, cell := range raw {
		actual, ok := schema.resolveField(name)
		if !ok {
			// Stale cache is the common cause; refetch once.
			b.invalidateSchema(appToken, tableID)
			if schema, err = b.schema(ctx, appToken, tableID); err != nil {
				return nil, err
			}
			if actual, ok = schema.resolveField(name); !ok {
				return nil, &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("field %s not in table", name)}
			}
		}
		fields[actual] = feishu.DecodeValue(cell, schema.kinds[actual])
	}
	return fields, nil
}
