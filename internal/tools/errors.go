package tools

import (
	"errors"

	"github.com/haasonsaas/bitflow/internal/feishu"
)

// Stable error codes of the tool envelope.
const (
	// CodeUpstream is any upstream tool call failure.
	CodeUpstream = "MCP_001"
	// CodeNotFound is a missing tool or missing upstream resource.
	CodeNotFound = "MCP_002"
	// CodeForbidden is an authorization or permission denial.
	CodeForbidden = "MCP_003"
	// CodeInvalidParams is a schema validation failure.
	CodeInvalidParams = "MCP_004"
)

// ToolError is the error half of the response envelope.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (e *ToolError) Error() string { return e.Code + ": " + e.Message }

// Upstream record-level not-found and permission codes.
var (
	notFoundCodes = map[int]struct{}{
		1254040: {}, // TableIdNotFound
		1254043: {}, // RecordIdNotFound
		1254005: {}, // FieldNameNotFound
		91402:   {}, // app not found
	}
	forbiddenCodes = map[int]struct{}{
		1254302:  {}, // permission denied
		99991672: {}, // tenant access denied
	}
)

// wrapErr maps arbitrary tool failures onto the envelope taxonomy.
func wrapErr(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	var apiErr *feishu.APIError
	if errors.As(err, &apiErr) {
		code := CodeUpstream
		if _, ok := notFoundCodes[apiErr.Code]; ok || apiErr.Status == 404 {
			code = CodeNotFound
		}
		if _, ok := forbiddenCodes[apiErr.Code]; ok || apiErr.Status == 403 {
			code = CodeForbidden
		}
		return &ToolError{
			Code:    code,
			Message: apiErr.Msg,
			Detail:  map[string]any{"upstream_code": apiErr.Code, "http_status": apiErr.Status},
		}
	}
	return &ToolError{Code: CodeUpstream, Message: err.Error()}
}
