package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pcl-labs/mediaflow/internal/config"
)

const defaultBrokerBaseURL = "https://broker.pcl-labs.dev/v1"

// HTTPTransport is the hosted-broker mode: Send performs an authenticated
// POST to the broker's message-ingestion endpoint. Any non-2xx response is a
// send failure surfaced to the caller for the retry/dead-letter decision.
type HTTPTransport struct {
	client    *http.Client
	baseURL   string
	accountID string
	apiToken  string
	queueName string
}

// NewHTTPTransport builds a transport from config. Credentials were already
// checked by config validation.
func NewHTTPTransport(cfg config.Config) *HTTPTransport {
	base := cfg.BrokerBaseURL
	if base == "" {
		base = defaultBrokerBaseURL
	}
	return &HTTPTransport{
		client:    &http.Client{Timeout: 10 * time.Second},
		baseURL:   base,
		accountID: cfg.BrokerAccountID,
		apiToken:  cfg.BrokerAPIToken,
		queueName: cfg.QueueName,
	}
}

type brokerSendBody struct {
	Body Message `json:"body"`
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(brokerSendBody{Body: msg})
	if err != nil {
		return fmt.Errorf("marshal broker request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/queues/%s/messages", t.baseURL, t.accountID, t.queueName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build broker request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send to broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker rejected message: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// Close releases the transport's idle connections for graceful shutdown.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
