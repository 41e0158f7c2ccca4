package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vendalink/fieldsync/internal/queue"
)

const (
	ordersPath    = "/api/v1/orders"
	visitsPath    = "/api/v1/visits"
	approvalsPath = "/api/v1/approvals"
	auditPath     = "/api/v1/audit"
	healthPath    = "/health"
)

const defaultRequestTimeout = 15 * time.Second

var (
	errMissingBaseURL = errors.New("remote base url is required")
	errMissingTokens  = errors.New("device token source is required")
)

// TokenSource supplies the bearer token attached to every remote call.
type TokenSource interface {
	DeviceToken() (string, error)
}

// ClientConfig wires the HTTP submission client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client submits mutations to the remote system of record and returns a
// structured Outcome; it never returns a Go error for remote-side failures,
// classification is the whole contract.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: cfg.BaseURL, tokens: cfg.Tokens, httpClient: httpClient, logger: logger}, nil
}

type visitRequest struct {
	Action  string          `json:"action"`
	VisitID string          `json:"visitId,omitempty"`
	Params  json.RawMessage `json:"params"`
}

type submissionResponse struct {
	RemoteID    string            `json:"remoteId"`
	Extra       map[string]string `json:"extra"`
	Message     string            `json:"message"`
	Code        string            `json:"code"`
	ServiceName string            `json:"serviceName"`
}

// Submit sends one mutation to the remote endpoint matching its kind. The
// call suspends until a definitive Outcome exists; a timeout classifies as a
// transport failure.
func (c *Client) Submit(ctx context.Context, mutation queue.PendingMutation) Outcome {
	switch mutation.Kind {
	case queue.KindOrder:
		return c.post(ctx, ordersPath, json.RawMessage(mutation.PayloadJSON))
	case queue.KindVisitCheckIn:
		return c.post(ctx, visitsPath, visitRequest{Action: "checkin", Params: json.RawMessage(mutation.PayloadJSON)})
	case queue.KindVisitCheckOut:
		return c.post(ctx, visitsPath, visitRequest{
			Action:  "checkout",
			VisitID: mutation.VisitRemoteID,
			Params:  json.RawMessage(mutation.PayloadJSON),
		})
	default:
		return ValidationFailure(fmt.Sprintf("unsupported mutation kind %q", mutation.Kind))
	}
}

// ApprovalRequest registers an order that violated business rules upstream.
type ApprovalRequest struct {
	OrderPayload  json.RawMessage `json:"orderPayload"`
	Violations    []string        `json:"violations"`
	Justification string          `json:"justification,omitempty"`
	DeviceID      string          `json:"deviceId"`
}

type approvalResponse struct {
	ApprovalID string `json:"approvalId"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}

// ApprovalStatusAutoApproved is the registry status meaning the order may
// proceed to normal submission immediately.
const ApprovalStatusAutoApproved = "APPROVED"

// RegisterApproval registers an approval request with the remote registry.
// On success the Outcome carries the approval record id and its status in
// Extra["status"].
func (c *Client) RegisterApproval(ctx context.Context, request ApprovalRequest) Outcome {
	body, status, err := c.roundTrip(ctx, approvalsPath, request)
	if err != nil {
		return TransportFailure(err.Error())
	}

	var response approvalResponse
	if unmarshalErr := json.Unmarshal(body, &response); unmarshalErr != nil && len(body) > 0 {
		c.logger.Warn("approval response not decodable", zap.Error(unmarshalErr))
	}

	outcome := classify(status, response.ApprovalID, faultEnvelope{Message: response.Message, Code: response.Code})
	if outcome.Status == StatusSuccess {
		outcome.Extra = map[string]string{"status": response.Status}
	}
	return outcome
}

// RecordAudit delivers one audit record to the write-only remote log.
func (c *Client) RecordAudit(ctx context.Context, record interface{}) error {
	body, status, err := c.roundTrip(ctx, auditPath, record)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("audit endpoint returned %d: %s", status, string(body))
	}
	return nil
}

// Probe reports whether the remote health endpoint answers.
func (c *Client) Probe(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck
	return response.StatusCode >= 200 && response.StatusCode < 300
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) Outcome {
	body, status, err := c.roundTrip(ctx, path, payload)
	if err != nil {
		return TransportFailure(err.Error())
	}

	var response submissionResponse
	if unmarshalErr := json.Unmarshal(body, &response); unmarshalErr != nil && len(body) > 0 {
		c.logger.Warn("submission response not decodable", zap.Error(unmarshalErr), zap.Int("status", status))
	}

	outcome := classify(status, response.RemoteID, faultEnvelope{
		Message:     response.Message,
		Code:        response.Code,
		ServiceName: response.ServiceName,
	})
	if outcome.Status == StatusSuccess {
		outcome.Extra = response.Extra
	}
	return outcome
}

func (c *Client) roundTrip(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.DeviceToken()
	if err != nil {
		return nil, 0, fmt.Errorf("issue device token: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, response.StatusCode, nil
}
