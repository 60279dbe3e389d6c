package paymentadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/text/currency"
)

// HTTPAdapter calls a real payment provider's receipt-verification
// endpoint over HTTP. baseURL must accept GET
// {baseURL}/receipts/{providerReceiptID}.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPAdapter{baseURL: baseURL, client: client}
}

type httpReceiptResponse struct {
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (a *HTTPAdapter) VerifyReceipt(ctx context.Context, providerReceiptID string) (VerifyResult, error) {
	u := fmt.Sprintf("%s/receipts/%s", a.baseURL, url.PathEscape(providerReceiptID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("paymentadapter: build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("paymentadapter: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return VerifyResult{Status: "rejected"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return VerifyResult{}, fmt.Errorf("paymentadapter: unexpected status %d", resp.StatusCode)
	}

	var body httpReceiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return VerifyResult{}, fmt.Errorf("paymentadapter: decode response: %w", err)
	}

	if err := ValidateCurrency(body.Currency); err != nil {
		return VerifyResult{}, fmt.Errorf("paymentadapter: %w", err)
	}

	return VerifyResult{Status: body.Status, Amount: body.Amount, Currency: body.Currency}, nil
}

// ValidateCurrency checks that code is a well-formed ISO 4217 currency
// code, rejecting a provider response before its amount and currency are
// returned to the caller.
func ValidateCurrency(code string) error {
	_, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Errorf("invalid currency code %q: %w", code, err)
	}
	return nil
}
