package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

var ErrTransactionNotFound = errors.New("transaction not found")

// Verification is the gateway's view of a transaction.
type Verification struct {
	Reference  string          `json:"reference"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	PayerEmail string          `json:"payer_email"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

func (v *Verification) Succeeded() bool {
	return v.Status == "success"
}

// Verifier looks up a transaction by reference.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// Client talks to the payment gateway REST API.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		PaidAt    string `json:"paid_at"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

func (c *Client) Verify(ctx context.Context, reference string) (*Verification, error) {
	if reference == "" {
		return nil, fmt.Errorf("verify: empty reference")
	}
	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("verify %s: decode response: %w", reference, err)
	}
	if resp.StatusCode != http.StatusOK || !body.Status {
		return nil, fmt.Errorf("verify %s: gateway returned %d: %s", reference, resp.StatusCode, body.Message)
	}

	v := &Verification{
		Reference:  body.Data.Reference,
		Status:     body.Data.Status,
		Amount:     FromMinorUnits(body.Data.Amount),
		Currency:   body.Data.Currency,
		PayerEmail: body.Data.Customer.Email,
	}
	if v.Reference == "" {
		v.Reference = reference
	}
	if body.Data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, body.Data.PaidAt); err == nil {
			v.PaidAt = &t
		}
	}
	return v, nil
}

// VerifySignature checks the hex HMAC-SHA512 of body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature VerifySignature expects. Used by tooling and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
