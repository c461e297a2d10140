// Package rest is the signed HTTP execution endpoint.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/execution"

	"github.com/tidwall/gjson"
)

const (
	pathPlaceOrder  = "/api/v1/orders"
	pathCancelOrder = "/api/v1/orders/cancel"

	codeSuccess = "00000"
)

// Client sends orders to the venue's REST API. The venue deduplicates by client order id,
// so resubmitting after a lost response is safe.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	logger     *slog.Logger
}

var _ execution.Endpoint = (*Client)(nil)

// NewClient creates a client for baseURL.
func NewClient(baseURL string, signer *Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer: signer,
		logger: slog.Default().With("module", "rest_client"),
	}
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`      // buy, sell
	OrderType     string `json:"orderType"` // limit, market
	Price         string `json:"price,omitempty"`
	Size          string `json:"size"`
	ClientOrderID string `json:"clientOid"`
}

// Idempotent implements execution.Endpoint.
func (c *Client) Idempotent() bool { return true }

// SubmitOrder implements execution.Endpoint. Transport failures and 5xx/429 answers are
// retriable network errors; other HTTP failures are not. A business-level refusal is a
// non-accepted Ack.
func (c *Client) SubmitOrder(ctx context.Context, orderID string, intent domain.OrderIntent) (execution.Ack, error) {
	req := placeOrderRequest{
		Symbol:        intent.Instrument,
		Side:          strings.ToLower(intent.Side.String()),
		OrderType:     "market",
		Size:          intent.Quantity.String(),
		ClientOrderID: orderID,
	}
	if intent.LimitPrice != nil {
		req.OrderType = "limit"
		req.Price = intent.LimitPrice.String()
	}

	body, err := c.post(ctx, "submit", pathPlaceOrder, req)
	if err != nil {
		return execution.Ack{}, err
	}

	code := gjson.GetBytes(body, "code").String()
	if code != codeSuccess {
		msg := gjson.GetBytes(body, "msg").String()
		c.logger.Warn("Order refused by venue",
			slog.String("order_id", orderID),
			slog.String("code", code),
			slog.String("msg", msg),
		)
		return execution.Ack{OrderID: orderID, Reason: code + ": " + msg}, nil
	}

	c.logger.Info("Order placed", slog.String("order_id", orderID), slog.String("symbol", intent.Instrument))
	return execution.Ack{
		OrderID:  orderID,
		VenueID:  gjson.GetBytes(body, "data.orderId").String(),
		Accepted: true,
	}, nil
}

// CancelOrder implements execution.Endpoint.
func (c *Client) CancelOrder(ctx context.Context, orderID, instrument string) error {
	body, err := c.post(ctx, "cancel", pathCancelOrder, map[string]string{
		"symbol":    instrument,
		"clientOid": orderID,
	})
	if err != nil {
		return err
	}
	if code := gjson.GetBytes(body, "code").String(); code != codeSuccess {
		return fmt.Errorf("cancel refused: code=%s msg=%s", code, gjson.GetBytes(body, "msg").String())
	}
	return nil
}

// post signs and sends a JSON body and returns the response body of a 200 answer.
func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewFatalNetworkError(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewFatalNetworkError(op, err)
	}
	for k, v := range c.signer.Headers(http.MethodPost, path, "", string(raw)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.NewNetworkError(op, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body)))
	default:
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body)))
	}
}

func truncate(body []byte) string {
	if len(body) == 0 {
		return "<empty>"
	}
	if len(body) > 256 {
		return string(body[:256]) + "..."
	}
	return string(body)
}
