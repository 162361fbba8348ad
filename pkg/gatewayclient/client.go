/**
 * @description
 * This package provides a client for the payment gateway that executes
 * withdrawal payouts. It sends authenticated JSON requests, uses the withdrawal
 * id as the idempotency key, and turns non-2xx responses into typed errors.
 *
 * @dependencies
 * - github.com/prometheus/client_golang: Instruments the outbound transport.
 * - github.com/rs/zerolog: Structured logs for gateway failures.
 * - github.com/shopspring/decimal: Exact payout amounts on the wire.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "payment_gateway_request_duration_seconds",
		Help:    "Latency of requests to the payment gateway.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"code", "method"},
)

func init() {
	prometheus.MustRegister(requestDuration)
}

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new gateway client with an instrumented transport.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: promhttp.InstrumentRoundTripperDuration(requestDuration, http.DefaultTransport),
		},
	}
}

// TransferRequest is the payload for a payout transfer.
type TransferRequest struct {
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	DestinationType string          `json:"destination_type"`
	Destination     json.RawMessage `json:"destination"`
	Narration       string          `json:"narration,omitempty"`
}

// TransferResponse is the expected response from the transfers endpoint.
type TransferResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("gateway api error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("gateway api error (status %d)", e.StatusCode)
}

// InitiateTransfer asks the gateway to pay out a withdrawal. The gateway
// acknowledges acceptance only; settlement is reported asynchronously.
func (c *Client) InitiateTransfer(ctx context.Context, payload TransferRequest) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("Idempotency-Key", payload.Reference)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	log := zerolog.Ctx(ctx).With().Str("component", "gateway_client").Str("reference", payload.Reference).Logger()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Warn().Int("status", resp.StatusCode).Msg("non-2xx response (unparsable error body)")
			return nil, &errResp
		}
		log.Warn().Int("status", resp.StatusCode).Str("detail", errResp.Error()).Msg("transfer rejected")
		return nil, &errResp
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}
	if strings.TrimSpace(successResp.Data.ID) == "" {
		return nil, fmt.Errorf("gateway accepted transfer %s without a transaction id", payload.Reference)
	}
	return &successResp, nil
}
