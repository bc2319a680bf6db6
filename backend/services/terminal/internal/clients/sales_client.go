package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/models"
)

const (
	salesPath           = "/api/sales"
	idempotencyHeader   = "Idempotency-Key"
	maxErrorBodyBytes   = 4096
	defaultSalesTimeout = 10 * time.Second
)

var (
	// ErrNotConfigured means no sales service URL was configured.
	ErrNotConfigured = errors.New("sales client: base url is empty")
	// ErrUnavailable wraps transport failures, 5xx and non-validation 4xx
	// answers; the sale may be retried.
	ErrUnavailable = errors.New("sales client: service unavailable")
)

// RejectedError is a 400 or 422 answer: the server understood the sale and
// refused its content. Other 4xx answers (auth, routing) are ErrUnavailable.
// Retrying the same request will not succeed.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sales client: rejected with status %d: %s", e.Status, e.Message)
}

// TokenProvider supplies bearer tokens.
type TokenProvider interface {
	Token() (string, error)
}

// SalesClient submits sales to the back office.
type SalesClient struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
	logger  *zap.Logger
}

// NewSalesClient returns HTTP client wrapper. tokens may be nil for unauthenticated test servers.
func NewSalesClient(baseURL string, timeout time.Duration, tokens TokenProvider, logger *zap.Logger) *SalesClient {
	if timeout <= 0 {
		timeout = defaultSalesTimeout
	}
	return &SalesClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
		logger: logger,
	}
}

type saleResponse struct {
	TransactionID string    `json:"transactionId"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SubmitSale posts the sale. 200, 201 and 409 (already recorded under this
// idempotency key) all carry the receipt.
func (c *SalesClient) SubmitSale(ctx context.Context, sale models.SaleRequest) (models.SaleReceipt, error) {
	if c.baseURL == "" {
		return models.SaleReceipt{}, ErrNotConfigured
	}
	if sale.IdempotencyKey == "" {
		return models.SaleReceipt{}, errors.New("sales client: idempotency key is required")
	}

	data, err := json.Marshal(sale)
	if err != nil {
		return models.SaleReceipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+salesPath, bytes.NewReader(data))
	if err != nil {
		return models.SaleReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, sale.IdempotencyKey)
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return models.SaleReceipt{}, fmt.Errorf("sales client: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("sales client request failed", zap.String("idempotency_key", sale.IdempotencyKey), zap.Error(err))
		return models.SaleReceipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict:
		var body saleResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return models.SaleReceipt{}, fmt.Errorf("%w: decode receipt: %v", ErrUnavailable, err)
		}
		if body.TransactionID == "" {
			return models.SaleReceipt{}, fmt.Errorf("%w: receipt without transaction id (status %d)", ErrUnavailable, resp.StatusCode)
		}
		return models.SaleReceipt{TransactionID: body.TransactionID, ConfirmedAt: body.ConfirmedAt}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg := readErrorMessage(resp.Body)
		c.logger.Warn("sales client sale rejected", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return models.SaleReceipt{}, &RejectedError{Status: resp.StatusCode, Message: msg}
	default:
		c.logger.Warn("sales client returned non-success", zap.Int("status", resp.StatusCode))
		return models.SaleReceipt{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	var body errorResponse
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
