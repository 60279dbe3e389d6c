//go:build property
// +build property

// Package reconciler_test contains property-based tests for the
// Reconciler's batch idempotence.
package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/reconciler"
)

// TestReconcileBatchIsIdempotent checks that resubmitting any generated
// batch of offline-validation entries unchanged always yields the same
// acknowledgement set the second time, regardless of batch size or
// content, matching the no-additional-writes contract a validator relies
// on when it retries a sync after a dropped response.
func TestReconcileBatchIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("resubmitting a batch never changes its acknowledgement set", prop.ForAll(
		func(localIDs []string) bool {
			led := ledger.NewMemoryLedger()
			r := reconciler.New(led, audit.NewMemoryLog(), 20, 10000)
			ctx := context.Background()
			now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

			batch := make([]reconciler.Entry, len(localIDs))
			for i, id := range localIDs {
				batch[i] = reconciler.Entry{
					LocalID:       id,
					ValidatorID:   "validator-a",
					TicketHash:    "hash-" + id,
					TicketKind:    contracts.TicketKindSingle,
					ObservedAt:    now,
					LocalDecision: "accepted",
				}
			}

			first, err := r.Reconcile(ctx, "validator-a", batch)
			if err != nil {
				return false
			}
			second, err := r.Reconcile(ctx, "validator-a", batch)
			if err != nil {
				return false
			}
			return len(second.AckIDs) == len(first.AckIDs) && len(second.Conflicts) == len(first.Conflicts)
		},
		gen.SliceOfN(4, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
