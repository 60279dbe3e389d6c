// Package filterpublisher implements the Filter Publisher component: it
// periodically rebuilds a Bloom filter over recently spent ticket hashes
// and fans the new snapshot out over Redis pub/sub for validators that
// keep a live connection, while also serving the snapshot history
// directly for polling validators.
package filterpublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fareline/ticketing/pkg/bloom"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/snapshotarchive"
)

// Publisher is the Filter Publisher component.
type Publisher struct {
	ledger         ledger.Ledger
	redisClient    *redis.Client
	channel        string
	coverageWindow time.Duration
	targetFPR      float64
	maxHistory     int
	archive        *snapshotarchive.Archive
	logger         *slog.Logger

	mu      sync.RWMutex
	version uint64
	latest  contracts.BloomSnapshot
	history []contracts.BloomSnapshot
}

func New(led ledger.Ledger, redisClient *redis.Client, channel string, coverageWindow time.Duration, targetFPR float64, maxHistory int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		ledger:         led,
		redisClient:    redisClient,
		channel:        channel,
		coverageWindow: coverageWindow,
		targetFPR:      targetFPR,
		maxHistory:     maxHistory,
		logger:         logger.With("component", "filterpublisher"),
	}
}

// WithArchive attaches cold storage for generations evicted from the
// in-memory history: once a snapshot ages out of Since's window it is
// still retrievable by version from archive instead of being lost.
func (p *Publisher) WithArchive(archive *snapshotarchive.Archive) *Publisher {
	p.archive = archive
	return p
}

// Run drives the periodic rebuild cycle until ctx is cancelled, building
// one snapshot immediately and then every interval thereafter.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := p.Build(ctx, time.Now()); err != nil {
		p.logger.ErrorContext(ctx, "initial build failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Build(ctx, time.Now()); err != nil {
				p.logger.ErrorContext(ctx, "build failed", "error", err)
			}
		}
	}
}

// Build rebuilds the Bloom filter over every SpentRecord observed within
// coverageWindow of now, assigns it the next strictly increasing version,
// and publishes it to Redis subscribers.
func (p *Publisher) Build(ctx context.Context, now time.Time) (contracts.BloomSnapshot, error) {
	records, err := p.ledger.SpentSince(ctx, now.Add(-p.coverageWindow), now)
	if err != nil {
		return contracts.BloomSnapshot{}, fmt.Errorf("filterpublisher: load spent records: %w", err)
	}

	n := uint64(len(records))
	f := bloom.New(n, p.targetFPR)
	for _, r := range records {
		f.Add(r.TicketHash)
	}

	p.mu.Lock()
	p.version++
	snap := contracts.BloomSnapshot{
		Version:        p.version,
		BuiltAt:        now,
		CoverageWindow: p.coverageWindow,
		M:              f.M(),
		K:              f.K(),
		ExpectedN:      n,
		Bits:           f.Bits(),
	}
	p.latest = snap
	p.history = append(p.history, snap)
	var evicted []contracts.BloomSnapshot
	if p.maxHistory > 0 && len(p.history) > p.maxHistory {
		evicted = p.history[:len(p.history)-p.maxHistory]
		p.history = p.history[len(p.history)-p.maxHistory:]
	}
	p.mu.Unlock()

	if p.archive != nil {
		for _, e := range evicted {
			if _, err := p.archive.ArchiveSnapshot(ctx, e); err != nil {
				p.logger.ErrorContext(ctx, "archive retired snapshot failed", "version", e.Version, "error", err)
			}
		}
	}

	if p.redisClient != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			return snap, fmt.Errorf("filterpublisher: marshal snapshot: %w", err)
		}
		if err := p.redisClient.Publish(ctx, p.channel, payload).Err(); err != nil {
			return snap, fmt.Errorf("filterpublisher: publish snapshot: %w", err)
		}
	}

	return snap, nil
}

// Latest returns the most recently built snapshot, backing GET /bloom.
func (p *Publisher) Latest() (contracts.BloomSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.version == 0 {
		return contracts.BloomSnapshot{}, false
	}
	return p.latest, true
}

// Since returns every retained snapshot with a version strictly greater
// than since, backing GET /filter?since=version for a validator catching
// up on missed generations.
func (p *Publisher) Since(since uint64) []contracts.BloomSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []contracts.BloomSnapshot
	for _, s := range p.history {
		if s.Version > since {
			out = append(out, s)
		}
	}
	return out
}

// Archived fetches a generation that has aged out of the in-memory
// history, for the rare validator (or auditor) catching up on a version
// older than maxHistory retains. It returns an error if no archive is
// attached or the version was never archived.
func (p *Publisher) Archived(ctx context.Context, version uint64) (contracts.BloomSnapshot, error) {
	if p.archive == nil {
		return contracts.BloomSnapshot{}, fmt.Errorf("filterpublisher: no archive attached")
	}
	return p.archive.FetchSnapshot(ctx, version)
}
