package feishu

import (
	"context"
	"net/http"
)

// DocEntity is one document hit of a workspace search.
type DocEntity struct {
	DocToken string `json:"docs_token"`
	DocType  string `json:"docs_type"`
	Title    string `json:"title"`
	Preview  string `json:"preview"`
	OwnerID  string `json:"owner_id"`
}

// SearchDocs searches workspace documents by keyword.
func (c *Client) SearchDocs(ctx context.Context, keyword string, count int, folderTokens []string) ([]DocEntity, error) {
	if count <= 0 {
		count = 10
	}
	body := map[string]any{
		"search_key": keyword,
		"count":      count,
		"doc_types":  []string{"doc", "docx", "sheet", "bitable"},
	}
	if len(folderTokens) > 0 {
		body["folder_tokens"] = folderTokens
	}
	var data struct {
		Entities []DocEntity `json:"docs_entities"`
	}
	if err := c.do(ctx, http.MethodPost, "/suite/docs-api/search/object", body, &data); err != nil {
		return nil, err
	}
	return data.Entities, nil
}
