package paymentadapter

import (
	"context"
	"sync"
)

// MockAdapter is a deterministic in-process stand-in for a real payment
// provider, used by tests and the local dev deployment exactly the way the
// spec treats the payment provider as an external collaborator the engine
// never has to fully implement.
type MockAdapter struct {
	mu      sync.Mutex
	results map[string]VerifyResult
	errs    map[string]error
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		results: make(map[string]VerifyResult),
		errs:    make(map[string]error),
	}
}

// Seed registers the canned result a future VerifyReceipt call for
// providerReceiptID should return.
func (m *MockAdapter) Seed(providerReceiptID string, result VerifyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[providerReceiptID] = result
}

// SeedError registers a canned failure for providerReceiptID.
func (m *MockAdapter) SeedError(providerReceiptID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[providerReceiptID] = err
}

func (m *MockAdapter) VerifyReceipt(ctx context.Context, providerReceiptID string) (VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.errs[providerReceiptID]; ok {
		return VerifyResult{}, err
	}
	if res, ok := m.results[providerReceiptID]; ok {
		return res, nil
	}
	return VerifyResult{Status: "rejected"}, nil
}
