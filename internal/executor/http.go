package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seolens/scan-engine/internal/scan"
)

// HTTPExecutor dispatches a check to an external audit service over HTTP.
// The far side receives {"url": ...} and answers either a success payload
// {"score", "data", "issues"} or a failure {"error_code", "error_message"}.
type HTTPExecutor struct {
	name     string
	endpoint string
	client   *http.Client
}

// HTTPConfig controls one HTTP executor.
type HTTPConfig struct {
	Name     string
	Endpoint string
	Timeout  time.Duration
}

// NewHTTP constructs an HTTPExecutor with its own timeout-bounded client.
func NewHTTP(cfg HTTPConfig) (*HTTPExecutor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("executor name is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("executor %q needs an endpoint", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the service name this executor serves.
func (e *HTTPExecutor) Name() string { return e.name }

type httpCheckRequest struct {
	URL string `json:"url"`
}

type httpCheckResponse struct {
	Score        *int           `json:"score"`
	Data         map[string]any `json:"data"`
	Issues       []scan.Issue   `json:"issues"`
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
}

// Execute posts the target to the audit service and maps the response to the
// boundary contract. Transport errors and non-2xx answers become Failures.
func (e *HTTPExecutor) Execute(ctx context.Context, target string) (Result, error) {
	body, err := json.Marshal(httpCheckRequest{URL: target})
	if err != nil {
		return Result{}, &Failure{Code: "encode_request", Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Failure{Code: "build_request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, AsFailure(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, &Failure{Code: "read_response", Message: err.Error()}
	}

	var decoded httpCheckResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, &Failure{
			Code:    "decode_response",
			Message: fmt.Sprintf("%s returned unparseable payload: %v", e.name, err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || decoded.ErrorCode != "" {
		code := decoded.ErrorCode
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		msg := decoded.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("%s answered status %d", e.name, resp.StatusCode)
		}
		return Result{}, &Failure{Code: code, Message: msg}
	}

	if decoded.Score == nil {
		return Result{}, &Failure{
			Code:    "missing_score",
			Message: fmt.Sprintf("%s response carries no score", e.name),
		}
	}

	return Result{Score: *decoded.Score, Data: decoded.Data, Issues: decoded.Issues}, nil
}
