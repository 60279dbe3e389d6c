// Command validatorsim drives pkg/validatorruntime the way a physical
// gate or handheld reader would: entirely from its own local store, with
// the backend reachable only for the init and sync subcommands. It exists
// to exercise and demonstrate the offline decision path without needing
// real fare-gate hardware.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/observability"
	"github.com/fareline/ticketing/pkg/validatorruntime"
	"github.com/fareline/ticketing/pkg/validatorruntime/localstore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "sync":
		return runSyncCmd(args[2:], stdout, stderr)
	case "run":
		return runLoopCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "validatorsim: offline validator device simulator")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  validatorsim init  --store PATH --backend URL")
	fmt.Fprintln(w, "  validatorsim scan  --store PATH --validator-id ID --ticket-id ID --signature B64 --key-id ID --kind single|dayPass --valid-from RFC3339 --valid-until RFC3339")
	fmt.Fprintln(w, "  validatorsim sync  --store PATH --backend URL --validator-id ID")
	fmt.Fprintln(w, "  validatorsim run   --store PATH --backend URL --validator-id ID [--sync-interval 30s]  (reads newline-delimited scan requests from stdin)")
}

func runInitCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "validator.db", "path to the device's local SQLite store")
	backendURL := fs.String("backend", "http://localhost:8080", "ticketd base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	client := newBackendClient(*backendURL)

	store, err := localstore.Open(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	keys, err := client.fetchKeys(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "fetch keys: %v\n", err)
		return 1
	}
	if err := store.ReplaceKeys(ctx, keys); err != nil {
		fmt.Fprintf(stderr, "save keys: %v\n", err)
		return 1
	}

	snap, ok, err := client.LatestSnapshot(ctx, 0)
	if err != nil {
		fmt.Fprintf(stderr, "fetch bloom snapshot: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(stderr, "backend has not published a bloom snapshot yet")
		return 1
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		fmt.Fprintf(stderr, "save bloom snapshot: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "initialised %s: %d keys, bloom snapshot v%d\n", *storePath, len(keys), snap.Version)
	return 0
}

func openRuntime(storePath, validatorID string, clockSkew time.Duration) (*validatorruntime.Runtime, *localstore.Store, error) {
	store, err := localstore.Open(storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	rt, err := validatorruntime.Open(validatorID, store, audit.NewMemoryLog(), clockSkew)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "fareline-validatorsim"
	obsCfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	obs, err := observability.New(context.Background(), obsCfg)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("init observability: %w", err)
	}
	rt = rt.WithObservability(obs)

	return rt, store, nil
}

func runScanCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "validator.db", "path to the device's local SQLite store")
	validatorID := fs.String("validator-id", "", "this device's validator ID (required)")
	ticketID := fs.String("ticket-id", "", "ticket ID (required)")
	signature := fs.String("signature", "", "base64 signature (required)")
	keyID := fs.String("key-id", "", "signing key ID (required)")
	kind := fs.String("kind", "single", "single or dayPass")
	validFrom := fs.String("valid-from", "", "RFC3339 validFrom (required)")
	validUntil := fs.String("valid-until", "", "RFC3339 validUntil (required)")
	clockSkew := fs.Duration("clock-skew", 2*time.Minute, "tolerance around the validity window")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *validatorID == "" || *ticketID == "" || *signature == "" || *keyID == "" || *validFrom == "" || *validUntil == "" {
		fmt.Fprintln(stderr, "validator-id, ticket-id, signature, key-id, valid-from, and valid-until are all required")
		return 2
	}

	from, err := time.Parse(time.RFC3339, *validFrom)
	if err != nil {
		fmt.Fprintf(stderr, "invalid valid-from: %v\n", err)
		return 2
	}
	until, err := time.Parse(time.RFC3339, *validUntil)
	if err != nil {
		fmt.Fprintf(stderr, "invalid valid-until: %v\n", err)
		return 2
	}

	rt, store, err := openRuntime(*storePath, *validatorID, *clockSkew)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer store.Close()

	decision, err := rt.Validate(context.Background(), validatorruntime.ScanRequest{
		TicketID:   *ticketID,
		Signature:  *signature,
		KeyID:      *keyID,
		TicketKind: contracts.TicketKind(*kind),
		ValidFrom:  from,
		ValidUntil: until,
	})
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, decision)
	if decision != validatorruntime.DecisionAccepted {
		return 1
	}
	return 0
}

func runSyncCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "validator.db", "path to the device's local SQLite store")
	backendURL := fs.String("backend", "http://localhost:8080", "ticketd base URL")
	validatorID := fs.String("validator-id", "", "this device's validator ID (required)")
	clockSkew := fs.Duration("clock-skew", 2*time.Minute, "tolerance around the validity window")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *validatorID == "" {
		fmt.Fprintln(stderr, "validator-id is required")
		return 2
	}

	rt, store, err := openRuntime(*storePath, *validatorID, *clockSkew)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer store.Close()

	client := newBackendClient(*backendURL)
	if err := rt.Sync(context.Background(), client); err != nil {
		fmt.Fprintf(stderr, "sync: %v\n", err)
		return 1
	}

	keys, err := client.fetchKeys(context.Background())
	if err == nil {
		_ = store.ReplaceKeys(context.Background(), keys)
	}

	fmt.Fprintln(stdout, "sync complete")
	return 0
}

// scanLine is the newline-delimited JSON shape `run` reads from stdin, one
// simulated tap per line.
type scanLine struct {
	TicketID   string               `json:"ticketId"`
	Signature  string               `json:"signature"`
	KeyID      string               `json:"keyId"`
	TicketKind contracts.TicketKind `json:"ticketKind"`
	ValidFrom  time.Time            `json:"validFrom"`
	ValidUntil time.Time            `json:"validUntil"`
}

// runLoopCmd feeds stdin scan lines through Validate as they arrive and
// syncs on a fixed interval in the background, mirroring a gate that
// decides every tap locally and phones home only periodically.
func runLoopCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "validator.db", "path to the device's local SQLite store")
	backendURL := fs.String("backend", "http://localhost:8080", "ticketd base URL")
	validatorID := fs.String("validator-id", "", "this device's validator ID (required)")
	clockSkew := fs.Duration("clock-skew", 2*time.Minute, "tolerance around the validity window")
	syncInterval := fs.Duration("sync-interval", 30*time.Second, "how often to sync with the backend")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *validatorID == "" {
		fmt.Fprintln(stderr, "validator-id is required")
		return 2
	}

	rt, store, err := openRuntime(*storePath, *validatorID, *clockSkew)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer store.Close()

	client := newBackendClient(*backendURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(*syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rt.Sync(ctx, client); err != nil {
					fmt.Fprintf(stderr, "background sync: %v\n", err)
				}
			}
		}
	}()

	go func() {
		<-sigChan
		cancel()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			break
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		var sl scanLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			fmt.Fprintf(stderr, "skip malformed line: %v\n", err)
			continue
		}

		decision, err := rt.Validate(ctx, validatorruntime.ScanRequest{
			TicketID:   sl.TicketID,
			Signature:  sl.Signature,
			KeyID:      sl.KeyID,
			TicketKind: sl.TicketKind,
			ValidFrom:  sl.ValidFrom,
			ValidUntil: sl.ValidUntil,
		})
		if err != nil {
			fmt.Fprintf(stderr, "validate %s: %v\n", sl.TicketID, err)
			continue
		}
		fmt.Fprintf(stdout, "%s %s\n", sl.TicketID, decision)
	}

	cancel()
	<-done

	if err := rt.Sync(context.Background(), client); err != nil {
		fmt.Fprintf(stderr, "final sync: %v\n", err)
		return 1
	}
	return 0
}
