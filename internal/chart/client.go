package chart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"astroai/internal/config"
	appLog "astroai/internal/log"
	"astroai/internal/model"
)

// maxBodyBytes caps how much of a chart response is read.
const maxBodyBytes = 4 << 20

// Kind classifies a failed chart request.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindStatus    Kind = "status"
	KindMalformed Kind = "malformed"
)

// RequestError is returned by Client for every failed calculation.
type RequestError struct {
	Kind Kind
	// Status is the HTTP status code for KindStatus, otherwise 0.
	Status int
	// Message is suitable for showing to the user.
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("chart request failed (%s): %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Calculator computes a natal chart for a payload.
type Calculator interface {
	Calculate(ctx context.Context, payload model.BirthPayload) (*model.NatalChart, error)
}

// Client talks to the chart calculation service.
type Client struct {
	client   *http.Client
	baseURL  string
	endpoint string
	health   string
	timeout  time.Duration
}

// NewClient creates a Client from chart configuration.
func NewClient(cfg config.ChartConfig) *Client {
	cfg.Normalize()
	return &Client{
		client:   &http.Client{},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		endpoint: cfg.Endpoint,
		health:   cfg.HealthEndpoint,
		timeout:  cfg.Timeout,
	}
}

// Calculate posts payload and decodes the chart. Failures are always
// *RequestError.
func (c *Client) Calculate(ctx context.Context, payload model.BirthPayload) (*model.NatalChart, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RequestError{Kind: KindMalformed, Message: "cannot encode request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	appLog.Info("chart request start", "request_id", reqID, "birth_date", payload.BirthDate.Format(time.RFC3339))
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		rerr := transportError(err, c.timeout)
		appLog.Error("chart request failed", err, "request_id", reqID, "kind", rerr.Kind)
		return nil, rerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		rerr := transportError(err, c.timeout)
		appLog.Error("chart response read failed", err, "request_id", reqID, "kind", rerr.Kind)
		return nil, rerr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RequestError{
			Kind:    KindStatus,
			Status:  resp.StatusCode,
			Message: detailMessage(data, resp.StatusCode),
		}
		appLog.Error("chart request rejected", rerr, "request_id", reqID, "status", resp.StatusCode)
		return nil, rerr
	}

	var chart model.NatalChart
	if err := json.Unmarshal(data, &chart); err != nil {
		appLog.Error("chart response malformed", err, "request_id", reqID)
		return nil, &RequestError{Kind: KindMalformed, Message: "malformed chart response", Err: err}
	}
	chart.Raw = json.RawMessage(data)

	appLog.Info("chart request success", "request_id", reqID, "planets", len(chart.Planets), "elapsed", time.Since(start))
	return &chart, nil
}

// Health checks the service liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.health, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "chart health")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("chart health: unexpected status %s", resp.Status)
	}
	return nil
}

func transportError(err error, timeout time.Duration) *RequestError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &RequestError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("no response within %s", timeout),
			Err:     err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &RequestError{Kind: KindNetwork, Message: "request cancelled", Err: err}
	}
	return &RequestError{Kind: KindNetwork, Message: err.Error(), Err: err}
}

// detailMessage extracts the service's "detail" field, which is either a
// string or a list of {"msg": ...} objects, and falls back to the status.
func detailMessage(body []byte, status int) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Detail) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Detail, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(envelope.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}
