package automation

import (
	"strings"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// TemplateEnv carries the envelope values available to every template in
// addition to the record's fields.
type TemplateEnv struct {
	EventID  string
	RuleID   string
	AppToken string
	TableID  string
	RecordID string
	Error    string
}

// RenderTemplate substitutes {field} placeholders from the record fields and
// {event_id}-style envelope keys. Unknown placeholders render empty.
func RenderTemplate(tmpl string, fields models.Fields, env TemplateEnv) string {
	if !strings.ContainsRune(tmpl, '{') {
		return tmpl
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	s := tmpl
	for {
		i := strings.IndexByte(s, '{')
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := strings.TrimSpace(s[i+1 : i+j])
		b.WriteString(resolvePlaceholder(name, fields, env))
		s = s[i+j+1:]
	}
}

func resolvePlaceholder(name string, fields models.Fields, env TemplateEnv) string {
	switch name {
	case "event_id":
		return env.EventID
	case "rule_id":
		return env.RuleID
	case "app_token":
		return env.AppToken
	case "table_id":
		return env.TableID
	case "record_id":
		return env.RecordID
	case "error":
		return env.Error
	}
	if v, ok := fields[name]; ok {
		return v.String()
	}
	return ""
}
