// Package mediator provides HTTP webhook mediation.
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"relaycore.dev/dispatcher/internal/common/metrics"
	"relaycore.dev/dispatcher/internal/router/pool"
)

// HTTPMediator mediates messages via HTTP webhooks. Process performs exactly
// one mediation attempt per call; the pool is responsible for deciding
// whether a non-success outcome warrants a nack-and-redeliver.
type HTTPMediator struct {
	client *http.Client

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
	cbSettings HTTPMediatorConfig
}

// HTTPVersion represents the HTTP protocol version to use.
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1.
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production).
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator.
type HTTPMediatorConfig struct {
	// ConnectTimeout bounds establishing the TCP/TLS connection.
	ConnectTimeout time.Duration

	// RequestTimeout bounds the full round trip once connected.
	RequestTimeout time.Duration

	// HTTPVersion controls which HTTP version to use.
	HTTPVersion HTTPVersion

	// CircuitBreakerEnabled toggles per-target circuit breaking.
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultHTTPMediatorConfig returns sensible defaults: 30s connect timeout
// and 30s request timeout, HTTP/2 enabled, circuit breaking on.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		ConnectTimeout:            30 * time.Second,
		RequestTimeout:            30 * time.Second,
		HTTPVersion:               HTTPVersion2,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevHTTPMediatorConfig returns config suitable for development (HTTP/1.1).
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator.
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}

	return &HTTPMediator{
		client:     client,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		cbSettings: *cfg,
	}
}

// breakerFor returns (creating if needed) the circuit breaker for a target host.
func (m *HTTPMediator) breakerFor(targetURL string) *gobreaker.CircuitBreaker {
	if !m.cbSettings.CircuitBreakerEnabled {
		return nil
	}

	host := targetURL
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		host = u.Host
	}

	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	if cb, ok := m.breakers[host]; ok {
		return cb
	}

	cfg := m.cbSettings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: cfg.CircuitBreakerRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.CircuitBreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed", "target", name, "from", from.String(), "to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	m.breakers[host] = cb
	return cb
}

// Process performs one mediation attempt against msg.MediationTarget.
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: errors.New("nil message")}
	}
	if msg.MediationTarget == "" {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: errors.New("no target URL")}
	}

	cb := m.breakerFor(msg.MediationTarget)
	if cb == nil {
		return m.executeOnce(msg)
	}

	result, err := cb.Execute(func() (interface{}, error) {
		outcome := m.executeOnce(msg)
		if outcome.Result == pool.MediationResultErrorConnection || outcome.Result == pool.MediationResultErrorServer {
			return outcome, outcome.Error
		}
		return outcome, nil
	})

	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		slog.Warn("Circuit breaker open", "messageId", msg.ID, "target", msg.MediationTarget)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	if outcome, ok := result.(*pool.MediationOutcome); ok {
		return outcome
	}
	return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, Error: err}
}

// executeOnce performs the single HTTP round trip: POST targetURL with
// {"messageId":"<id>"}, Authorization: Bearer <authToken>.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()

	payload := fmt.Sprintf(`{"messageId":%q}`, msg.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	slog.Debug("Executing HTTP request", "messageId", msg.ID, "target", targetURL)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)
	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleTransportError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	slog.Debug("HTTP response received", "messageId", msg.ID, "statusCode", resp.StatusCode, "bodyLen", len(body), "duration", duration)

	return m.handleResponse(msg, resp.StatusCode, body)
}

// handleTransportError classifies connect/timeout failures as ERROR_CONNECTION,
// connect/timeout failures map to ERROR_CONNECTION.
func (m *HTTPMediator) handleTransportError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error", "messageId", msg.ID, "error", err, "timeout", netErr.Timeout())
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	// Any other transport-level failure (context canceled by shutdown, etc.)
	// is treated as a server-side error.
	return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, Error: err}
}

// handleResponse applies the mediation result status mapping:
//
//	200                  => SUCCESS (unless body carries ack:false)
//	400                  => ERROR_PROCESS (retryable)
//	>=500                => ERROR_SERVER (retryable)
//	any other status     => ERROR_SERVER
//
// ack:false is only interpreted on a 200 response; on every other status
// the body is ignored.
func (m *HTTPMediator) handleResponse(msg *pool.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	if statusCode == 200 {
		ack := m.parseAckFromResponse(body)
		if ack != nil && !*ack {
			delay := m.parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry", "messageId", msg.ID, "statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: statusCode}
	}

	if statusCode == 400 {
		slog.Warn("Bad request - retryable", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode}
	}

	if statusCode >= 500 {
		slog.Warn("Server error - retryable", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: statusCode}
	}

	// Any other status (401, 403, 404, 429, ...) falls to ERROR_SERVER.
	slog.Warn("Unmapped status - treating as server error", "messageId", msg.ID, "statusCode", statusCode)
	return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: statusCode}
}

// parseAckFromResponse parses the optional ack field from a JSON response.
func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

// parseDelayFromResponse parses the optional delaySeconds field from a JSON response.
func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}
	return nil
}
