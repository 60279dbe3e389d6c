package main

import (
	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/ledger"
)

// setupLiteMode wires an in-memory Ledger and AuditLog for local
// development, where standing up Postgres is more friction than the
// task is worth. State does not survive a restart.
func setupLiteMode() (ledger.Ledger, audit.Log) {
	return ledger.NewMemoryLedger(), audit.NewMemoryLog()
}
