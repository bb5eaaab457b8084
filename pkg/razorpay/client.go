package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
)

const (
	defaultBaseURL         = "https://api.razorpay.com"
	defaultTimeout         = 10 * time.Second
	responseBodyReadLimit  = 4096
	retryBackoff           = 250 * time.Millisecond
	ordersPath             = "/v1/orders"
	refundPathFormat       = "/v1/payments/%s/refund"
	signaturePayloadFormat = "%s|%s"
	currencyINR            = "INR"
	receiptMaxLen          = 40
)

// Client calls the Razorpay Orders, Payments, and Refunds APIs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	keySecret  string
	maxRetries int
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithMaxRetries bounds how many times transient failures are retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithTimeout overrides the default per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 && c.httpClient != nil {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a Razorpay API client using basic-auth key credentials.
func NewClient(keyID, keySecret string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(keyID) == "" || strings.TrimSpace(keySecret) == "" {
		return nil, fmt.Errorf("razorpay key id and secret are required")
	}

	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    defaultBaseURL,
		keyID:      keyID,
		keySecret:  keySecret,
		maxRetries: 2,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// OrderRequest describes a provider order (a payment intent) to open.
type OrderRequest struct {
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt,omitempty"`
	Notes       map[string]string `json:"notes,omitempty"`
}

// Order is the provider-side order returned by the Orders API.
type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
}

// Refund is the provider-side refund record.
type Refund struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount"`
	Status      string `json:"status"`
}

// CreateOrder opens a payment intent with the provider for the given amount.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay client not configured")
	}
	if req.AmountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order amount must be positive")
	}
	if req.Currency == "" {
		req.Currency = currencyINR
	}
	if len(req.Receipt) > receiptMaxLen {
		req.Receipt = req.Receipt[:receiptMaxLen]
	}

	var order Order
	if err := c.postJSON(ctx, ordersPath, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// RefundPayment issues a full refund for the captured payment.
func (c *Client) RefundPayment(ctx context.Context, paymentID string, amountMinor int64) (*Refund, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay client not configured")
	}
	if strings.TrimSpace(paymentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}

	body := struct {
		AmountMinor int64 `json:"amount,omitempty"`
	}{AmountMinor: amountMinor}

	var refund Refund
	if err := c.postJSON(ctx, fmt.Sprintf(refundPathFormat, paymentID), body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// VerifyPaymentSignature checks the HMAC-SHA256 signature Razorpay attaches
// to a completed checkout. The signed payload is "<order_id>|<payment_id>"
// and the expected digest is hex-encoded.
func (c *Client) VerifyPaymentSignature(providerOrderID, providerPaymentID, signature string) bool {
	if c == nil {
		return false
	}
	return VerifySignature(c.keySecret, providerOrderID, providerPaymentID, signature)
}

// VerifySignature is the raw HMAC comparison, exported so tests and tools can
// compute signatures without a full client.
func VerifySignature(secret, providerOrderID, providerPaymentID, signature string) bool {
	if secret == "" || providerOrderID == "" || providerPaymentID == "" || signature == "" {
		return false
	}
	expected := SignPayload(secret, providerOrderID, providerPaymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignPayload computes the hex HMAC-SHA256 digest of "<order_id>|<payment_id>".
func SignPayload(secret, providerOrderID, providerPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, signaturePayloadFormat, providerOrderID, providerPaymentID)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal razorpay request")
	}

	url := strings.TrimRight(c.baseURL, "/") + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return pkgerrors.Wrap(pkgerrors.CodeDependency, ctx.Err(), "razorpay request canceled")
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		retryable, err := c.doOnce(ctx, url, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// doOnce performs a single POST. The bool return reports whether the failure
// is transient and worth retrying.
func (c *Client) doOnce(ctx context.Context, url string, payload []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build razorpay request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute razorpay request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode razorpay response")
		}
		return false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		msg := readErrorBody(resp.Body)
		return true, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("razorpay returned status %d: %s", resp.StatusCode, msg))
	case resp.StatusCode == http.StatusUnauthorized:
		return false, pkgerrors.New(pkgerrors.CodeDependency, "razorpay rejected api credentials")
	default:
		msg := readErrorBody(resp.Body)
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("razorpay rejected the request (status %d): %s", resp.StatusCode, msg))
	}
}

func readErrorBody(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, responseBodyReadLimit))
	var apiErr struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Description != "" {
		return apiErr.Error.Description
	}
	return strings.TrimSpace(string(raw))
}
