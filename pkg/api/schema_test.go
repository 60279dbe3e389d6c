package api

import "testing"

func TestValidateSchemaAcceptsWellFormedSignBlindedBody(t *testing.T) {
	doc := map[string]any{
		"receiptRef": map[string]any{
			"paymentProvider":   "mock",
			"providerReceiptId": "pr1",
		},
		"blindedDigest":       "abcd",
		"ticketKind":          "single",
		"requestedValidFrom":  "2026-07-30T12:00:00Z",
		"requestedValidUntil": "2026-07-30T13:00:00Z",
	}
	if err := validateSchema("sign_blinded", doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSchemaRejectsMissingReceiptRef(t *testing.T) {
	doc := map[string]any{
		"blindedDigest":       "abcd",
		"ticketKind":          "single",
		"requestedValidFrom":  "2026-07-30T12:00:00Z",
		"requestedValidUntil": "2026-07-30T13:00:00Z",
	}
	if err := validateSchema("sign_blinded", doc); err == nil {
		t.Fatal("expected validation error for missing receiptRef")
	}
}

func TestValidateSchemaRejectsUnknownTicketKind(t *testing.T) {
	doc := map[string]any{
		"ticketId":    "t1",
		"signature":   "sig",
		"keyId":       "key-1",
		"observedAt":  "2026-07-30T12:00:00Z",
		"claimedKind": "weekly_pass",
	}
	if err := validateSchema("redeem", doc); err == nil {
		t.Fatal("expected validation error for unrecognised ticket kind")
	}
}

func TestValidateSchemaAcceptsWellFormedSyncOfflineBody(t *testing.T) {
	doc := map[string]any{
		"validatorId": "validator-1",
		"entries": []any{
			map[string]any{
				"localId":       "local-1",
				"ticketHash":    "hash-1",
				"ticketKind":    "dayPass",
				"observedAt":    "2026-07-30T12:00:00Z",
				"localDecision": "accepted",
			},
		},
	}
	if err := validateSchema("sync_offline", doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSchemaRejectsUnknownName(t *testing.T) {
	if err := validateSchema("does_not_exist", map[string]any{}); err == nil {
		t.Fatal("expected error for unregistered schema name")
	}
}
