package feishu

import (
	"encoding/json"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// FieldInfo describes one column of a table.
type FieldInfo struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
	UIType    string `json:"ui_type"`
}

// Kind maps the upstream numeric field type to the domain kind.
func (f FieldInfo) Kind() models.FieldKind {
	switch f.Type {
	case 1:
		return models.FieldKindText
	case 2:
		return models.FieldKindNumber
	case 3:
		return models.FieldKindSingleSelect
	case 4:
		return models.FieldKindMultiSelect
	case 5:
		return models.FieldKindDate
	case 11:
		return models.FieldKindPerson
	case 13:
		return models.FieldKindPhone
	case 15:
		return models.FieldKindLink
	case 22:
		return models.FieldKindLocation
	default:
		return models.FieldKindUnknown
	}
}

// textRun is one segment of a rich-text cell.
type textRun struct {
	Text string `json:"text"`
}

type personRef struct {
	ID     string `json:"id"`
	OpenID string `json:"open_id"`
	Name   string `json:"name"`
}

type linkCell struct {
	Text string `json:"text"`
	Link string `json:"link"`
}

type locationCell struct {
	FullAddress string `json:"full_address"`
	Name        string `json:"name"`
}

// DecodeValue converts one raw cell into a typed value. The kind hint comes
// from the table schema; with an unknown hint the shape of the payload
// decides.
func DecodeValue(raw json.RawMessage, hint models.FieldKind) models.FieldValue {
	if len(raw) == 0 || string(raw) == "null" {
		return models.FieldValue{Kind: hint}
	}

	switch hint {
	case models.FieldKindText, models.FieldKindPhone:
		if s, ok := decodeText(raw); ok {
			return models.FieldValue{Kind: hint, Text: s}
		}
	case models.FieldKindNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return models.NumberValue(n)
		}
	case models.FieldKindDate:
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			return models.DateValue(ms)
		}
	case models.FieldKindSingleSelect:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return models.SelectValue(s)
		}
	case models.FieldKindMultiSelect:
		var opts []string
		if err := json.Unmarshal(raw, &opts); err == nil {
			return models.FieldValue{Kind: models.FieldKindMultiSelect, Options: opts}
		}
	case models.FieldKindPerson:
		if ids, ok := decodePersons(raw); ok {
			return models.PersonValue(ids...)
		}
	case models.FieldKindLink:
		var lc linkCell
		if err := json.Unmarshal(raw, &lc); err == nil && lc.Link != "" {
			return models.FieldValue{Kind: models.FieldKindLink, Text: lc.Link}
		}
	case models.FieldKindLocation:
		var loc locationCell
		if err := json.Unmarshal(raw, &loc); err == nil && loc.FullAddress != "" {
			return models.FieldValue{Kind: models.FieldKindLocation, Text: loc.FullAddress}
		}
	}

	return decodeHeuristic(raw)
}

// decodeHeuristic decides the kind from the JSON shape alone.
func decodeHeuristic(raw json.RawMessage) models.FieldValue {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return models.TextValue(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return models.NumberValue(n)
	}
	var opts []string
	if err := json.Unmarshal(raw, &opts); err == nil {
		return models.FieldValue{Kind: models.FieldKindMultiSelect, Options: opts}
	}
	if ids, ok := decodePersons(raw); ok {
		return models.PersonValue(ids...)
	}
	if text, ok := decodeText(raw); ok {
		return models.TextValue(text)
	}
	return models.UnknownValue(append(json.RawMessage(nil), raw...))
}

// decodeText flattens either a plain string or a rich-text run array.
func decodeText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var runs []textRun
	if err := json.Unmarshal(raw, &runs); err == nil && len(runs) > 0 {
		var out string
		for _, r := range runs {
			out += r.Text
		}
		return out, true
	}
	return "", false
}

func decodePersons(raw json.RawMessage) ([]string, bool) {
	var refs []personRef
	if err := json.Unmarshal(raw, &refs); err != nil || len(refs) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		switch {
		case r.ID != "":
			ids = append(ids, r.ID)
		case r.OpenID != "":
			ids = append(ids, r.OpenID)
		default:
			return nil, false
		}
	}
	return ids, true
}

// DecodeFields converts a raw cell map using the given schema hints.
func DecodeFields(raw map[string]json.RawMessage, kinds map[string]models.FieldKind) models.Fields {
	out := make(models.Fields, len(raw))
	for name, cell := range raw {
		out[name] = DecodeValue(cell, kinds[name])
	}
	return out
}

// EncodeFields converts typed values into the write payload the API accepts.
func EncodeFields(fields models.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		switch v.Kind {
		case models.FieldKindText, models.FieldKindPhone, models.FieldKindLocation:
			out[name] = v.Text
		case models.FieldKindLink:
			out[name] = map[string]string{"text": v.Text, "link": v.Text}
		case models.FieldKindNumber:
			out[name] = v.Number
		case models.FieldKindDate:
			out[name] = v.DateMs
		case models.FieldKindSingleSelect:
			if len(v.Options) > 0 {
				out[name] = v.Options[0]
			} else {
				out[name] = ""
			}
		case models.FieldKindMultiSelect:
			out[name] = v.Options
		case models.FieldKindPerson:
			refs := make([]map[string]string, 0, len(v.UserIDs))
			for _, id := range v.UserIDs {
				refs = append(refs, map[string]string{"id": id})
			}
			out[name] = refs
		default:
			if len(v.Raw) > 0 {
				out[name] = json.RawMessage(v.Raw)
			} else {
				out[name] = v.Text
			}
		}
	}
	return out
}
