package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/bitflow/internal/feishu"
)

// docTypePaths maps doc types onto their web URL path segments.
var docTypePaths = map[string]string{
	"doc":     "docs",
	"docx":    "docx",
	"sheet":   "sheets",
	"bitable": "base",
}

// NewDocSearch builds the workspace document search tool. domain is the web
// domain used for result links (e.g. "example" for example.feishu.cn).
func NewDocSearch(client *feishu.Client, domain string) Tool {
	return ToolFunc{
		ToolName: "feishu.v1.doc.search",
		Desc:     "Search workspace documents by keyword.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"keyword": {"type": "string"},
				"limit": {"type": "integer"},
				"folder_token": {"type": "string"}
			},
			"required": ["keyword"]
		}`),
		Fn: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Keyword     string `json:"keyword"`
				Limit       int    `json:"limit"`
				FolderToken string `json:"folder_token"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.Keyword == "" {
				return map[string]any{"documents": []any{}}, nil
			}
			var folders []string
			if p.FolderToken != "" {
				folders = []string{p.FolderToken}
			}
			entities, err := client.SearchDocs(ctx, p.Keyword, p.Limit, folders)
			if err != nil {
				return nil, err
			}

			docs := make([]map[string]any, 0, len(entities))
			for _, e := range entities {
				doc := map[string]any{
					"doc_token": e.DocToken,
					"doc_type":  e.DocType,
					"title":     e.Title,
					"preview":   truncate(e.Preview, 200),
				}
				if domain != "" && e.DocToken != "" {
					path, ok := docTypePaths[e.DocType]
					if !ok {
						path = "docs"
					}
					doc["url"] = fmt.Sprintf("https://%s.feishu.cn/%s/%s", domain, path, e.DocToken)
				}
				docs = append(docs, doc)
			}
			return map[string]any{"documents": docs}, nil
		},
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
