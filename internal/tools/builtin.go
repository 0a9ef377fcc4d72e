package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// RegisterBuiltins installs the built-in invokers: HTTP calls to external
// calculation and document services, plus jq and expr transforms for
// reshaping step data. Domain math stays behind HTTP; girder never computes
// engineering results itself.
func RegisterBuiltins(r *Registry, engines *expressions.Engines) error {
	invokers := []Invoker{
		NewHTTPInvoker(HTTPConfig{}),
		&jqInvoker{engine: engines.JQ()},
		&exprInvoker{engines: engines},
	}
	for _, inv := range invokers {
		if err := r.Register(inv); err != nil {
			return err
		}
	}
	return nil
}

// --- http ---

// HTTPConfig configures the HTTP invoker.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// HTTPInvoker serves the "http" tool: get and post against external services.
// get is idempotent and safe to wrap with retries; post is not.
type HTTPInvoker struct {
	config HTTPConfig
}

// NewHTTPInvoker creates the http tool invoker.
func NewHTTPInvoker(cfg HTTPConfig) *HTTPInvoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPInvoker{config: cfg}
}

func (h *HTTPInvoker) Tool() string        { return "http" }
func (h *HTTPInvoker) Functions() []string { return []string{"get", "post"} }
func (h *HTTPInvoker) Idempotent() bool    { return false }

func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (any, error) {
	params := inv.InputMap()

	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.%s: missing required input 'url'", inv.Function)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.%s: invalid url %q", inv.Function, rawURL)
	}

	method := http.MethodGet
	var body io.Reader
	if inv.Function == "post" {
		method = http.MethodPost
		if raw, ok := params["body"]; ok {
			encoded, merr := json.Marshal(raw)
			if merr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.post: body is not serializable: %v", merr)
			}
			body = bytes.NewReader(encoded)
		}
	}

	timeout := h.config.DefaultTimeout
	if t := stringParam(params, "timeout", ""); t != "" {
		if d, perr := time.ParseDuration(t); perr == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.%s: %v", inv.Function, err).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, sok := v.(string); sok {
				req.Header.Set(k, s)
			}
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.%s: %v", inv.Function, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.%s: read body: %v", inv.Function, err).WithCause(err)
	}

	// JSON responses are decoded so later steps and risk rules can address
	// fields directly; everything else passes through as text.
	var parsed any = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if jerr := json.Unmarshal(data, &v); jerr == nil {
			parsed = v
		}
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"http.%s: %s returned %s", inv.Function, rawURL, resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": parsed})
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsed,
		"duration_ms": time.Since(start).Milliseconds(),
	}, nil
}

// --- jq ---

type jqInvoker struct {
	engine *expressions.GoJQEngine
}

func (j *jqInvoker) Tool() string        { return "jq" }
func (j *jqInvoker) Functions() []string { return []string{"transform"} }
func (j *jqInvoker) Idempotent() bool    { return true }

func (j *jqInvoker) Invoke(ctx context.Context, inv Invocation) (any, error) {
	params := inv.InputMap()
	expr := stringParam(params, "expression", "")
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required input 'expression'")
	}
	return j.engine.Extract(ctx, expr, params["data"])
}

// --- expr ---

type exprInvoker struct {
	engines *expressions.Engines
}

func (e *exprInvoker) Tool() string        { return "expr" }
func (e *exprInvoker) Functions() []string { return []string{"eval"} }
func (e *exprInvoker) Idempotent() bool    { return true }

func (e *exprInvoker) Invoke(ctx context.Context, inv Invocation) (any, error) {
	params := inv.InputMap()
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr.eval: missing required input 'expression'")
	}

	eng, err := e.engines.ForDialect("expr")
	if err != nil {
		return nil, err
	}

	scope := make(map[string]any, len(params))
	for k, v := range params {
		if k == "expression" {
			continue
		}
		scope[k] = v
	}
	result, err := eng.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, fmt.Errorf("expr.eval: %w", err)
	}
	return result, nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}
