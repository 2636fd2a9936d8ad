// Package webhook delivers hook events to configured HTTP endpoints, with
// per-endpoint retry policy and blocking-decision collation.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/workflow"
)

// Event is the payload shape delivered to endpoints.
type Event struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	MachineID string         `json:"machine_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Result is one endpoint's delivery outcome.
type Result struct {
	EndpointName string            `json:"endpoint_name"`
	Success      bool              `json:"success"`
	StatusCode   int               `json:"status_code,omitempty"`
	ResponseBody string            `json:"response_body,omitempty"`
	Error        string            `json:"error,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// MetricsObserver receives per-endpoint delivery outcomes.
type MetricsObserver interface {
	ObserveWebhook(endpoint string, success bool)
}

// Dispatcher fans hook events out to the configured endpoints. One shared
// HTTP client serves every delivery; Close makes async dispatch a no-op.
type Dispatcher struct {
	cfg     config.WebhooksConfig
	client  *http.Client
	metrics MetricsObserver
	logger  *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher over the configured endpoints.
// A nil observer disables delivery metrics.
func NewDispatcher(cfg config.WebhooksConfig, obs MetricsObserver, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{},
		metrics: obs,
		logger:  log.WithFields(zap.String("component", "webhook_dispatcher")),
	}
}

// matching selects enabled endpoints whose event filter admits eventType and
// whose can_block matches blocking.
func (d *Dispatcher) matching(eventType string, blocking bool) []config.WebhookEndpoint {
	if !d.cfg.Enabled {
		return nil
	}
	var out []config.WebhookEndpoint
	for _, ep := range d.cfg.Endpoints {
		if !ep.Enabled || ep.CanBlock != blocking {
			continue
		}
		if len(ep.Events) > 0 && !contains(ep.Events, eventType) {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// DispatchSync delivers the event to matching endpoints and collects every
// result. blockingOnly selects can_block endpoints (the pipeline's gate);
// false selects the rest, delivered synchronously.
func (d *Dispatcher) DispatchSync(ctx context.Context, ev Event, blockingOnly bool) []Result {
	endpoints := d.matching(ev.EventType, blockingOnly)
	results := make([]Result, 0, len(endpoints))
	for _, ep := range endpoints {
		res := d.deliver(ctx, ep, ev)
		if d.metrics != nil {
			d.metrics.ObserveWebhook(ep.Name, res.Success)
		}
		results = append(results, res)
	}
	return results
}

// DispatchAsync schedules fire-and-forget delivery to non-blocking
// endpoints. It never panics into the caller and is a no-op after Close.
func (d *Dispatcher) DispatchAsync(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	endpoints := d.matching(ev.EventType, false)
	d.wg.Add(len(endpoints))
	d.mu.Unlock()

	for _, ep := range endpoints {
		go func() {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("webhook delivery panicked",
						zap.String("endpoint", ep.Name), zap.Any("panic", r))
				}
			}()
			res := d.deliver(context.Background(), ep, ev)
			if d.metrics != nil {
				d.metrics.ObserveWebhook(ep.Name, res.Success)
			}
			if !res.Success {
				d.logger.Warn("async webhook delivery failed",
					zap.String("endpoint", ep.Name), zap.String("error", res.Error))
			}
		}()
	}
}

// deliver POSTs the event to one endpoint with exponential backoff
// (retry_delay * 2^attempt, bounded by retry_count).
func (d *Dispatcher) deliver(ctx context.Context, ep config.WebhookEndpoint, ev Event) Result {
	result := Result{EndpointName: ep.Name}

	payload, err := json.Marshal(ev)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	url := config.ExpandEnv(ep.URL)
	for attempt := 0; attempt <= ep.RetryCount; attempt++ {
		if attempt > 0 {
			// retry_delay * 2^n for the nth retry
			backoff := ep.RetryDelayDuration() * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result
			case <-time.After(backoff):
			}
		}

		status, body, headers, err := d.post(ctx, url, ep, payload)
		if err != nil {
			result.Error = err.Error()
			continue
		}
		result.StatusCode = status
		result.ResponseBody = body
		result.Headers = headers
		if status >= 200 && status < 300 {
			result.Success = true
			result.Error = ""
			return result
		}
		result.Error = fmt.Sprintf("endpoint returned %d", status)
	}
	return result
}

func (d *Dispatcher) post(ctx context.Context, url string, ep config.WebhookEndpoint, payload []byte) (int, string, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ep.TimeoutDuration())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, config.ExpandEnv(v))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", nil, err
	}
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, string(body), headers, nil
}

// GetBlockingDecision reduces blocking-dispatch results to a single
// decision. The first endpoint whose parsed body carries
// {"decision": "block"|"ask"} wins.
func (d *Dispatcher) GetBlockingDecision(results []Result) (string, string) {
	for _, r := range results {
		if !r.Success || r.ResponseBody == "" {
			continue
		}
		var parsed struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(r.ResponseBody), &parsed); err != nil {
			continue
		}
		if parsed.Decision == "block" || parsed.Decision == "ask" {
			reason := parsed.Reason
			if reason == "" {
				reason = fmt.Sprintf("webhook %s returned %s", r.EndpointName, parsed.Decision)
			}
			return parsed.Decision, reason
		}
	}
	return "allow", ""
}

// Execute performs one outbound call for the workflow webhook action. A
// request whose URL matches a configured endpoint name resolves to that
// endpoint's URL and headers.
func (d *Dispatcher) Execute(ctx context.Context, req workflow.WebhookRequest) (*workflow.WebhookResult, error) {
	url := req.URL
	headers := req.Headers
	var timeout time.Duration
	for _, ep := range d.cfg.Endpoints {
		if ep.Name == req.URL {
			url = config.ExpandEnv(ep.URL)
			if headers == nil {
				headers = map[string]string{}
			}
			for k, v := range ep.Headers {
				headers[k] = config.ExpandEnv(v)
			}
			timeout = ep.TimeoutDuration()
			break
		}
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var body io.Reader
	if req.Payload != nil {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	respHeaders := map[string]string{}
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return &workflow.WebhookResult{
		StatusCode: resp.StatusCode,
		Body:       string(data),
		Headers:    respHeaders,
	}, nil
}

// Close drains in-flight async deliveries and shuts the HTTP client down.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	d.client.CloseIdleConnections()
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
