package policy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openfield-iot/fieldgate-core/internal/event"
)

// maxResponseBytes bounds how much of an endpoint response is read.
const maxResponseBytes = 1 << 20

// HTTPClient ships events to external validate/enrich endpoints.
//
// Thread Safety: safe for concurrent use.
type HTTPClient struct {
	timeout  time.Duration
	client   *http.Client
	insecure *http.Client
	logger   Logger
}

// NewHTTPClient creates a client with the given default per-call timeout.
// Individual actions may override the timeout in their configuration.
func NewHTTPClient(timeout time.Duration, logger Logger) *HTTPClient {
	if logger == nil {
		logger = noopLogger{}
	}
	return &HTTPClient{
		timeout: timeout,
		client:  &http.Client{},
		insecure: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // endpoint opted out of verification
			},
		},
		logger: logger,
	}
}

// Validate ships the event and maps the response status:
// 200/204 continue, 202 accept, 4xx reject (reason from a JSON body when
// present), anything else is a server error.
func (c *HTTPClient) Validate(ctx context.Context, action *ExternalAction, e *event.Envelope) (Outcome, error) {
	resp, body, err := c.call(ctx, action, e)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return Outcome{Decision: DecisionContinue}, nil
	case resp.StatusCode == http.StatusAccepted:
		return Outcome{Decision: DecisionAccept}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Outcome{Decision: DecisionReject, Reason: rejectReason(body)}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %s returned %d", ErrServerError, action.Endpoint, resp.StatusCode)
	}
}

// Enrich ships the event; a non-terminal 2xx response replaces the event
// per the configured response mode. 204 and empty bodies leave the event
// unchanged. 202 and 4xx terminate like Validate.
func (c *HTTPClient) Enrich(ctx context.Context, action *ExternalAction, e *event.Envelope) (*event.Envelope, Outcome, error) {
	resp, body, err := c.call(ctx, action, e)
	if err != nil {
		return e, Outcome{}, err
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return e, Outcome{Decision: DecisionAccept}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return e, Outcome{Decision: DecisionReject, Reason: rejectReason(body)}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.StatusCode == http.StatusNoContent || len(body) == 0 {
			return e, Outcome{Decision: DecisionContinue}, nil
		}
		enriched, err := decodeEnriched(action.Response, resp, body, e)
		if err != nil {
			return e, Outcome{}, fmt.Errorf("%w: decoding %s response: %v", ErrServerError, action.Endpoint, err)
		}
		return enriched, Outcome{Decision: DecisionContinue}, nil

	default:
		return e, Outcome{}, fmt.Errorf("%w: %s returned %d", ErrServerError, action.Endpoint, resp.StatusCode)
	}
}

// call builds, authenticates, and sends the request, returning the
// response with its body already drained.
func (c *HTTPClient) call(ctx context.Context, action *ExternalAction, e *event.Envelope) (*http.Response, []byte, error) {
	timeout := c.timeout
	if action.Timeout.Duration > 0 {
		timeout = action.Timeout.Duration
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, action, e)
	if err != nil {
		return nil, nil, err
	}

	client := c.client
	if action.InsecureTLS {
		client = c.insecure
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: calling %s: %v", ErrServerError, action.Endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s response: %v", ErrServerError, action.Endpoint, err)
	}
	return resp, body, nil
}

// buildRequest encodes the event per the action's request mode and applies
// endpoint authentication and extra headers.
func (c *HTTPClient) buildRequest(ctx context.Context, action *ExternalAction, e *event.Envelope) (*http.Request, error) {
	var req *http.Request

	switch action.Request {
	case EncodingStructured:
		doc, err := e.MarshalStructured()
		if err != nil {
			return nil, fmt.Errorf("encoding event: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.Endpoint, bytes.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("building request for %s: %w", action.Endpoint, err)
		}
		req.Header.Set("Content-Type", event.ContentTypeStructured)

	case EncodingBinary, "":
		var err error
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.Endpoint, bytes.NewReader(e.Data))
		if err != nil {
			return nil, fmt.Errorf("building request for %s: %w", action.Endpoint, err)
		}
		for name, values := range e.BinaryHeaders() {
			req.Header[name] = values
		}
		if e.DataContentType != "" {
			req.Header.Set("Content-Type", e.DataContentType)
		}

	default:
		return nil, fmt.Errorf("%w: unknown request encoding %q", ErrInvalidRule, action.Request)
	}

	if action.Auth != nil {
		if action.Auth.Basic != nil {
			req.SetBasicAuth(action.Auth.Basic.Username, action.Auth.Basic.Password)
		}
		if action.Auth.Bearer != "" {
			req.Header.Set("Authorization", "Bearer "+action.Auth.Bearer)
		}
	}
	for name, value := range action.Headers {
		req.Header.Set(name, value)
	}
	return req, nil
}

// decodeEnriched builds the replacement event from an enrich response.
func decodeEnriched(mode ResponseMode, resp *http.Response, body []byte, e *event.Envelope) (*event.Envelope, error) {
	switch mode {
	case ResponsePayload:
		enriched := e.Clone()
		enriched.Data = body
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			enriched.DataContentType = ct
		}
		return enriched, nil

	case ResponseAssumeStructured:
		return event.UnmarshalStructured(body)

	case ResponseCloudEvent, "":
		contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
		if strings.TrimSpace(strings.ToLower(contentType)) == event.ContentTypeStructured {
			return event.UnmarshalStructured(body)
		}
		return event.FromBinary(resp.Header, body)

	default:
		return nil, fmt.Errorf("%w: unknown response encoding %q", ErrInvalidRule, mode)
	}
}

// rejectReason extracts .reason from a JSON rejection body, falling back
// to a generic reason.
func rejectReason(body []byte) string {
	var parsed struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Reason != "" {
		return parsed.Reason
	}
	return "rejected by policy endpoint"
}
