package contracts

import "time"

// ReceiptStatus tracks a payment receipt through issuance.
type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptConsumed ReceiptStatus = "consumed"
	ReceiptRejected ReceiptStatus = "rejected"
)

// Receipt is a verified payment, consumable by exactly one issuance.
type Receipt struct {
	ReceiptID         string        `json:"receipt_id"`
	PaymentProvider   string        `json:"payment_provider"`
	ProviderReceiptID string        `json:"provider_receipt_id"`
	Amount            int64         `json:"amount"` // minor units
	Currency          string        `json:"currency"`
	Status            ReceiptStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
}

// TicketKind distinguishes single-use tickets from rolling-window day passes.
type TicketKind string

const (
	TicketKindSingle  TicketKind = "single"
	TicketKindDayPass TicketKind = "dayPass"
)

// IssuedTicketSlot is written at issuance time, before the client has
// unblinded the signature. It records enough to audit issuance volume
// without identifying which ticketHash will eventually be redeemed.
type IssuedTicketSlot struct {
	ReceiptID       string     `json:"receipt_id"`
	KeyID           string     `json:"key_id"`
	TicketKind      TicketKind `json:"ticket_kind"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidUntil      time.Time  `json:"valid_until"`
	BlindedReqHash  string     `json:"blinded_request_hash"`
	IssuedAt        time.Time  `json:"issued_at"`
}

// SpentRecord is the authoritative single-spend / rate-limit row for one
// ticketHash. Uniqueness on TicketHash is enforced by the Ledger's storage
// layer (a unique index / PRIMARY KEY), not by application logic.
type SpentRecord struct {
	TicketHash       string    `json:"ticket_hash"`
	TicketKind       TicketKind `json:"ticket_kind"`
	FirstValidatorID string    `json:"first_validator_id"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	Count            int       `json:"count"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// RevokedTicket is an additive, checked-before-every-redemption denylist entry.
type RevokedTicket struct {
	TicketHash string    `json:"ticket_hash"`
	RevokedAt  time.Time `json:"revoked_at"`
	Reason     string    `json:"reason"`
}

// OfflineValidation is a deferred decision recorded by a validator while
// disconnected, pending acknowledgement by the Reconciler.
type OfflineValidation struct {
	LocalID       string          `json:"local_id"`
	ValidatorID   string          `json:"validator_id"`
	TicketHash    string          `json:"ticket_hash"`
	TicketKind    TicketKind      `json:"ticket_kind"`
	ObservedAt    time.Time       `json:"observed_at"`
	LocalDecision string          `json:"local_decision"` // "accepted" | "duplicateLocal"
	SyncStatus    string          `json:"sync_status"`    // "pending" | "acked"
}

// BloomSnapshot is a versioned, immutable Bloom filter over recently spent
// ticket hashes, published for offline validators.
type BloomSnapshot struct {
	Version        uint64    `json:"version"`
	BuiltAt        time.Time `json:"built_at"`
	CoverageWindow time.Duration `json:"coverage_window"`
	M              uint64    `json:"m"` // bit length
	K              uint64    `json:"k"` // hash count
	ExpectedN      uint64    `json:"expected_n"`
	Bits           []byte    `json:"bits"`
}

// AuditEvent is an append-only, never-mutated record of a significant
// decision made anywhere in the system.
type AuditEvent struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"ts"`
	Actor       string         `json:"actor"`
	Kind        string         `json:"kind"`
	SubjectHash string         `json:"subject_hash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	EntryHash   string         `json:"entry_hash"`
}

// FraudSeverity tiers a reconciliation conflict by how confident the system
// is that it represents real abuse rather than clock skew or retries.
type FraudSeverity string

const (
	FraudInfo       FraudSeverity = "info"
	FraudSuspicious FraudSeverity = "suspicious"
	FraudConfirmed  FraudSeverity = "confirmed"
)

// FraudEvent is emitted by the Reconciler whenever two validators disagree
// about who redeemed a ticket first, or a day-pass limit is exceeded after
// the fact.
type FraudEvent struct {
	TicketHash   string        `json:"ticket_hash"`
	Reason       string        `json:"reason"`
	Severity     FraudSeverity `json:"severity"`
	ValidatorIDs []string      `json:"validator_ids"`
	Timestamps   []time.Time   `json:"timestamps"`
	DetectedAt   time.Time     `json:"detected_at"`
}
