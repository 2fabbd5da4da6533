package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Transport delivers one message to one recipient. Implementations classify
// failures as transient or permanent; only transient failures are retried.
type Transport interface {
	Send(ctx context.Context, recipient, message, idempotencyKey string) error
}

// TransientError marks a failure worth retrying (network, 5xx, throttling).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix (bad recipient,
// rejected payload).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// SMSTransport posts messages to an SMS gateway webhook. The gateway is
// expected to honor the idempotency key for its own deduplication.
type SMSTransport struct {
	url    string
	token  string
	client *http.Client
}

func NewSMSTransport(url, token string) *SMSTransport {
	return &SMSTransport{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type smsPayload struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (t *SMSTransport) Send(ctx context.Context, recipient, message, idempotencyKey string) error {
	body, err := json.Marshal(smsPayload{
		To:             recipient,
		Body:           message,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("error encoding payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("error creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("error while doing request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)}
	default:
		return &PermanentError{Err: fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)}
	}
}

// LogTransport logs instead of delivering. Used when no gateway is configured.
type LogTransport struct{}

func NewLogTransport() *LogTransport { return &LogTransport{} }

func (t *LogTransport) Send(ctx context.Context, recipient, message, idempotencyKey string) error {
	slog.Info("dry-run notification", "recipient", recipient, "message", message, "idempotency_key", idempotencyKey)
	return nil
}
