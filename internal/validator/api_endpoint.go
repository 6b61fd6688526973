package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/provato/provato/internal/render"
	"github.com/provato/provato/internal/validation"
)

// APIEndpoint validates HTTP endpoints. Definitions that carry a url are
// probed for real: optional network preflights, an optional token preauth
// step, then the request itself with assertions over the response.
// Definitions without a url fall back to simulated scoring.
type APIEndpoint struct {
	Client  *http.Client
	Engine  *render.Engine
	Secrets map[string]string
}

type apiProbeSpec struct {
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	Body       string            `mapstructure:"body"`
	TimeoutMS  int               `mapstructure:"timeout_ms"`
	PreAuth    *preAuthSpec      `mapstructure:"preauth"`
	Preflight  *preflightSpec    `mapstructure:"preflight"`
	Assertions []assertionSpec   `mapstructure:"assertions"`
}

type preAuthSpec struct {
	URL         string            `mapstructure:"url"`
	Method      string            `mapstructure:"method"`
	Headers     map[string]string `mapstructure:"headers"`
	Body        string            `mapstructure:"body"`
	CapturePath string            `mapstructure:"capture_path"`
	CaptureAs   string            `mapstructure:"capture_as"`
}

func (v *APIEndpoint) Validate(ctx context.Context, definition, expected map[string]any) (*Outcome, error) {
	if raw, ok := definition["url"]; ok && fmt.Sprintf("%v", raw) != "" {
		return v.probe(ctx, definition)
	}
	if err := simulateDelay(ctx, definition, 200*time.Millisecond, 700*time.Millisecond); err != nil {
		return nil, err
	}
	score := 80 + rand.Float64()*20
	return &Outcome{
		Status:   statusFor(score, 85),
		Score:    score,
		MaxScore: 100,
		Details: map[string]any{
			"response_time":  "150ms",
			"status_code":    200,
			"content_type":   "application/json",
			"response_valid": true,
			"simulated":      true,
		},
	}, nil
}

func (v *APIEndpoint) probe(ctx context.Context, definition map[string]any) (*Outcome, error) {
	var spec apiProbeSpec
	if err := decodeSpec(definition, &spec); err != nil {
		return nil, fmt.Errorf("decode api endpoint definition: %w", err)
	}

	engine := v.Engine
	if engine == nil {
		engine = render.New()
	}
	client := v.Client
	if client == nil {
		timeout := 10 * time.Second
		if spec.TimeoutMS > 0 {
			timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
		}
		client = &http.Client{Timeout: timeout}
	}

	results := make([]AssertionResult, 0, len(spec.Assertions)+4)
	if spec.Preflight != nil {
		pre, err := runPreflight(ctx, spec.Preflight, spec.URL)
		if err != nil {
			return nil, err
		}
		results = append(results, pre...)
	}

	vars := map[string]string{}
	renderCtx := render.TemplateContext{
		Secrets: v.Secrets,
		Vars:    vars,
		Data:    map[string]interface{}{"vars": vars},
	}

	if spec.PreAuth != nil {
		if err := v.preAuth(ctx, spec.PreAuth, client, engine, renderCtx, vars); err != nil {
			return nil, fmt.Errorf("preauth failed: %w", err)
		}
	}

	targetURL, err := engine.RenderString(spec.URL, renderCtx)
	if err != nil {
		return nil, fmt.Errorf("render target: %w", err)
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(spec.Headers) > 0 {
		headers, err := render.RenderMap(spec.Headers, renderCtx, engine)
		if err != nil {
			return nil, fmt.Errorf("render headers: %w", err)
		}
		for k, val := range headers {
			req.Header.Set(k, val)
		}
	}
	if spec.Body != "" {
		body, err := engine.RenderString(spec.Body, renderCtx)
		if err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
		req.Body = io.NopCloser(strings.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	latency := time.Since(start)

	results = append(results, httpAssertions(spec.Assertions, resp, body, latency)...)

	status := validation.ResultFailed
	if allPassed(results) {
		status = validation.ResultPassed
	}
	return &Outcome{
		Status:   status,
		Score:    scoreAssertions(results),
		MaxScore: 100,
		Details: map[string]any{
			"status_code":  resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"latency_ms":   float64(latency / time.Millisecond),
			"assertions":   results,
		},
	}, nil
}

// preAuth performs a token-fetch request and captures a value from its
// JSON response into vars for later template expansion.
func (v *APIEndpoint) preAuth(ctx context.Context, spec *preAuthSpec, client *http.Client, engine *render.Engine, renderCtx render.TemplateContext, vars map[string]string) error {
	if spec.CapturePath == "" || spec.CaptureAs == "" {
		return fmt.Errorf("preauth requires capture_path and capture_as")
	}
	urlStr, err := engine.RenderString(spec.URL, renderCtx)
	if err != nil {
		return fmt.Errorf("render preauth url: %w", err)
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return fmt.Errorf("build preauth request: %w", err)
	}
	if len(spec.Headers) > 0 {
		headers, err := render.RenderMap(spec.Headers, renderCtx, engine)
		if err != nil {
			return fmt.Errorf("render preauth headers: %w", err)
		}
		for k, val := range headers {
			req.Header.Set(k, val)
		}
	}
	if spec.Body != "" {
		body, err := engine.RenderString(spec.Body, renderCtx)
		if err != nil {
			return fmt.Errorf("render preauth body: %w", err)
		}
		req.Body = io.NopCloser(strings.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("preauth request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("preauth read: %w", err)
	}
	var jsonBody interface{}
	if err := json.Unmarshal(body, &jsonBody); err != nil {
		return fmt.Errorf("preauth json parse: %w", err)
	}
	val, err := jsonpath.JsonPathLookup(jsonBody, spec.CapturePath)
	if err != nil {
		return fmt.Errorf("preauth capture: %w", err)
	}
	vars[spec.CaptureAs] = fmt.Sprintf("%v", val)
	return nil
}
