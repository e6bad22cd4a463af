package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the http/request action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the default client, used by tests.
	Client *http.Client
}

// HTTPActions returns the HTTP actions.
func HTTPActions(cfg HTTPConfig) []Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return []Action{&httpRequestAction{cfg: cfg}}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "body": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

type httpRequestAction struct {
	cfg HTTPConfig
}

func (a *httpRequestAction) Name() string { return "http/request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Perform an HTTP request and return status code, body, and headers.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *httpRequestAction) Validate(with map[string]any) error {
	rawURL := stringParam(with, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http/request: missing required param 'url'")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http/request: invalid url %q", rawURL)
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(with, "method", "GET"))
	rawURL := stringParam(with, "url", "")

	var bodyReader io.Reader
	contentType := ""
	if body, ok := with["body"]; ok && body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "http/request: marshal body: %v", err).WithCause(err)
			}
			bodyReader = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http/request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(with, "headers") {
		req.Header.Set(k, v)
	}

	client := a.cfg.Client
	if client == nil {
		client = &http.Client{Timeout: durationParam(with, "timeout", a.cfg.DefaultTimeout)}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeAction, "http/request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "http/request: read body: %v", err).WithCause(err)
	}

	// Auto-parse JSON bodies so interpolations can index into them.
	var body any = string(raw)
	if len(raw) > 0 && json.Valid(raw) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			body = parsed
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Output{Outputs: map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     headers,
	}}, nil
}
