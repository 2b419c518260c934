package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/template"
	"github.com/sony/gobreaker"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookTimeout     = 30 * time.Second
	maxResponseBytes      = 1 << 20
)

// webhookCaller performs call_webhook actions with one circuit breaker per target host.
type webhookCaller struct {
	client        *http.Client
	retryInterval time.Duration
	breakers      sync.Map // map[string]*gobreaker.CircuitBreaker
	logger        *slog.Logger
}

func newWebhookCaller(logger *slog.Logger) *webhookCaller {
	return &webhookCaller{
		client:        &http.Client{},
		retryInterval: 500 * time.Millisecond,
		logger:        logger,
	}
}

func (w *webhookCaller) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := w.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	settings := gobreaker.Settings{
		Name:        "webhook-" + host,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// Client errors say nothing about the health of the remote host.
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}

	cb, _ := w.breakers.LoadOrStore(host, gobreaker.NewCircuitBreaker(settings))

	return cb.(*gobreaker.CircuitBreaker)
}

type webhookRequest struct {
	method  string
	url     string
	host    string
	headers map[string]string
	body    string
	timeout time.Duration
	retries int
}

func (w *webhookCaller) call(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	req, err := buildWebhookRequest(cfg, actx)
	if err != nil {
		return nil, err
	}

	cb := w.breaker(req.host)

	operation := func() (map[string]any, error) {
		result, err := cb.Execute(func() (any, error) {
			return w.do(ctx, req, actx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, Transient(fmt.Errorf("webhook host %s unavailable: %w", req.host, err))
			}

			if !IsTransient(err) {
				return nil, backoff.Permanent(err)
			}

			return nil, err
		}

		return result.(map[string]any), nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryInterval
	policy.MaxInterval = 5 * time.Second

	result, err := backoff.RetryWithData(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(req.retries)), ctx),
	)
	if err != nil {
		return nil, err
	}

	if err := extractFields(cfg, actx, result); err != nil {
		return nil, err
	}

	return result, nil
}

// extractFields evaluates the optional "extract" templates against the run data plus the
// response and stores the typed values under result["extracted"].
func extractFields(cfg models.ActionConfig, actx Context, result map[string]any) error {
	rawExtract, ok := cfg.Params["extract"].(map[string]any)
	if !ok || len(rawExtract) == 0 {
		return nil
	}

	data := actx.TemplateData()
	data["response"] = result

	extracted := make(map[string]any, len(rawExtract))

	for name, value := range rawExtract {
		tmpl, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: extract '%s' must be a template string", ErrInvalidParams, name)
		}

		rendered, err := template.Render(tmpl, data)
		if err != nil {
			return fmt.Errorf("%w: extract '%s': %w", ErrInvalidParams, name, err)
		}

		extracted[name] = rendered
	}

	result["extracted"] = extracted

	return nil
}

func buildWebhookRequest(cfg models.ActionConfig, actx Context) (*webhookRequest, error) {
	data := actx.TemplateData()

	rawURL := cfg.String("url")
	if rawURL == "" {
		return nil, missingParam("call_webhook", "url")
	}

	renderedURL, err := template.RenderString(rawURL, data)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %w", ErrInvalidParams, err)
	}

	parsed, err := url.Parse(renderedURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid webhook url %q", ErrInvalidParams, renderedURL)
	}

	method := strings.ToUpper(cfg.String("method"))
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string)

	if rawHeaders, ok := cfg.Params["headers"].(map[string]any); ok {
		for key, value := range rawHeaders {
			strVal, ok := value.(string)
			if !ok {
				continue
			}

			rendered, err := template.RenderString(strVal, data)
			if err != nil {
				return nil, fmt.Errorf("%w: header '%s': %w", ErrInvalidParams, key, err)
			}

			headers[key] = rendered
		}
	}

	body, err := renderBody(cfg.Params["body"], data)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Int("timeout_seconds", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	timeout = min(timeout, maxWebhookTimeout)

	return &webhookRequest{
		method:  method,
		url:     renderedURL,
		host:    parsed.Host,
		headers: headers,
		body:    body,
		timeout: timeout,
		retries: max(cfg.Int("retries", 0), 0),
	}, nil
}

// renderBody accepts a template string or a JSON-like structure whose string leaves are templates.
func renderBody(raw any, data map[string]any) (string, error) {
	switch body := raw.(type) {
	case nil:
		return "", nil
	case string:
		rendered, err := template.RenderString(body, data)
		if err != nil {
			return "", fmt.Errorf("%w: body: %w", ErrInvalidParams, err)
		}

		return rendered, nil
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("%w: body: %w", ErrInvalidParams, err)
		}

		rendered, err := template.RenderString(string(encoded), data)
		if err != nil {
			return "", fmt.Errorf("%w: body: %w", ErrInvalidParams, err)
		}

		return rendered, nil
	}
}

func (w *webhookCaller) do(ctx context.Context, req *webhookRequest, actx Context) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.method, req.url, strings.NewReader(req.body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if req.body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpReq.Header.Set("Idempotency-Key", actx.IdempotencyKey())

	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("http request failed: %w", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient(fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}

	var body any

	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		body = string(bodyBytes)
	}

	w.logger.DebugContext(ctx, "webhook completed",
		"run_id", actx.RunID,
		"node_id", actx.NodeID,
		"status_code", resp.StatusCode,
		"body_length", len(bodyBytes))

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
	}, nil
}
