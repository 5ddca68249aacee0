package feishu

import "github.com/haasonsaas/bitflow/internal/agent"

// BuildCard turns a rendered response into an interactive card. Responses
// without blocks stay plain text and return nil.
func BuildCard(resp agent.RenderedResponse) map[string]any {
	if len(resp.Blocks) == 0 {
		return nil
	}

	elements := make([]map[string]any, 0, len(resp.Blocks)*2)
	var title string
	for i, b := range resp.Blocks {
		if i == 0 && b.Title != "" {
			title = b.Title
		} else if b.Title != "" {
			elements = append(elements, map[string]any{
				"tag": "div",
				"text": map[string]any{
					"tag":     "lark_md",
					"content": "**" + b.Title + "**",
				},
			})
		}
		if b.Content != "" {
			elements = append(elements, map[string]any{
				"tag": "div",
				"text": map[string]any{
					"tag":     "lark_md",
					"content": b.Content,
				},
			})
		}
	}
	if len(elements) == 0 {
		return nil
	}

	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": elements,
	}
	if title != "" {
		card["header"] = map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": title},
			"template": "blue",
		}
	}
	return card
}
