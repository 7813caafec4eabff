// Package loadtest simulates several devices signed in as the same identity,
// all editing the shared document at once through their own sync
// controllers, and measures commit latency and convergence.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/db"
	"github.com/quittances/quittances/internal/ledger"
	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
	"github.com/quittances/quittances/internal/store"
	qsync "github.com/quittances/quittances/internal/sync"
)

// Options configures a run.
type Options struct {
	// Dir holds one SQLite file per device.
	Dir string

	Identity         string
	Devices          int
	CommitsPerDevice int

	// Settle bounds the wait for all devices to converge after the last
	// commit.
	Settle time.Duration

	// Seed makes the sequence of edits reproducible.
	Seed int64

	Logger zerolog.Logger
}

// LatencyStats captures commit latencies of a run.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalCommits int
	Errors       int
}

// Result is the outcome of Run.
type Result struct {
	Commits     LatencyStats
	Converged   bool
	Convergence time.Duration
	Receipts    int
	Payments    int
}

type device struct {
	id         int
	db         *db.DB
	controller *qsync.Controller
	cancel     context.CancelFunc
	done       chan error
}

// Run starts opts.Devices controllers on mirror, binds them all to
// opts.Identity, lets each commit opts.CommitsPerDevice edits concurrently,
// and waits until every device holds the document stored remotely.
func Run(ctx context.Context, mirror remote.Mirror, opts Options) (*Result, error) {
	if opts.Devices < 1 || opts.CommitsPerDevice < 1 {
		return nil, fmt.Errorf("need at least one device and one commit")
	}
	if opts.Settle <= 0 {
		opts.Settle = 10 * time.Second
	}
	if err := remote.ValidateIdentity(opts.Identity); err != nil {
		return nil, err
	}

	seed := seedDocument()
	if err := mirror.Push(ctx, opts.Identity, seed); err != nil {
		return nil, fmt.Errorf("failed to seed remote document: %w", err)
	}

	devices := make([]*device, 0, opts.Devices)
	defer func() {
		for _, d := range devices {
			d.stop()
		}
	}()
	for i := 0; i < opts.Devices; i++ {
		d, err := startDevice(ctx, i, mirror, opts)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	for _, d := range devices {
		if err := d.controller.SetIdentity(ctx, opts.Identity); err != nil {
			return nil, fmt.Errorf("device %d: %w", d.id, err)
		}
		if err := d.controller.Flush(ctx); err != nil {
			return nil, fmt.Errorf("device %d: %w", d.id, err)
		}
	}

	var wg gosync.WaitGroup
	var mu gosync.Mutex
	var durations []time.Duration
	var errorCount int

	for _, d := range devices {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(d.id)))

			local := make([]time.Duration, 0, opts.CommitsPerDevice)
			failed := 0
			for j := 0; j < opts.CommitsPerDevice; j++ {
				start := time.Now()
				err := d.controller.Commit(ctx, randomEdit(rng, d.id, j))
				local = append(local, time.Since(start))
				if err != nil {
					failed++
					opts.Logger.Warn().Err(err).Int("device", d.id).Int("commit", j).Msg("commit failed")
				}
			}

			mu.Lock()
			durations = append(durations, local...)
			errorCount += failed
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	for _, d := range devices {
		if err := d.controller.Flush(ctx); err != nil {
			return nil, fmt.Errorf("device %d: %w", d.id, err)
		}
	}

	res := &Result{Commits: computeLatencyStats(durations)}
	res.Commits.Errors = errorCount

	start := time.Now()
	final, converged := waitConverged(ctx, mirror, opts.Identity, devices, opts.Settle)
	res.Converged = converged
	res.Convergence = time.Since(start)
	res.Receipts = len(final.Receipts)
	res.Payments = len(final.Payments)
	return res, nil
}

func startDevice(ctx context.Context, id int, mirror remote.Mirror, opts Options) (*device, error) {
	database, err := db.OpenContext(ctx, filepath.Join(opts.Dir, fmt.Sprintf("device-%02d.db", id)))
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", id, err)
	}
	logger := opts.Logger.With().Int("device", id).Logger()
	c := qsync.New(store.New(database, logger), mirror, qsync.WithLogger(logger))

	runCtx, cancel := context.WithCancel(context.Background())
	d := &device{id: id, db: database, controller: c, cancel: cancel, done: make(chan error, 1)}
	go func() { d.done <- c.Run(runCtx) }()
	return d, nil
}

func (d *device) stop() {
	d.cancel()
	<-d.done
	_ = d.db.Close()
}

// waitConverged polls until every device holds the remote document.
func waitConverged(ctx context.Context, mirror remote.Mirror, id string, devices []*device, settle time.Duration) (schema.Document, bool) {
	deadline := time.Now().Add(settle)
	for {
		var want schema.Document
		data, ok, err := mirror.Pull(ctx, id)
		if err == nil && ok {
			want = schema.NormalizeJSON(data)
			same := true
			for _, d := range devices {
				if !schema.Equal(d.controller.Get(), want) {
					same = false
					break
				}
			}
			if same {
				return want, true
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return want, false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func seedDocument() schema.Document {
	doc := schema.Normalize(nil)
	ledger.SetLandlord(&doc, schema.Landlord{FullName: "Load Test", City: "Lyon"})
	for i := 0; i < 3; i++ {
		t, _ := ledger.AddTenant(&doc, ledger.TenantInput{FullName: fmt.Sprintf("Tenant %d", i)})
		t.Properties[0].RentHC = float64(400 + 50*i)
		t.Properties[0].Charges = 40
	}
	return doc
}

// randomEdit issues a receipt or updates a payment for a random tenant.
func randomEdit(rng *rand.Rand, device, n int) qsync.Mutator {
	pick := rng.Intn(1 << 30)
	receipt := rng.Intn(2) == 0
	month := rng.Intn(12)
	status := []schema.PaymentStatus{schema.StatusPaid, schema.StatusPending, schema.StatusLate}[rng.Intn(3)]

	return func(doc *schema.Document) error {
		if len(doc.Tenants) == 0 {
			return nil
		}
		t := doc.Tenants[pick%len(doc.Tenants)]
		now := time.Now()
		if receipt {
			req := ledger.ReceiptRequest{
				TenantID:  t.ID,
				Year:      now.Year(),
				Month:     month,
				Reference: fmt.Sprintf("LT-%d-%d", device, n),
			}
			if err := req.FromProperty(doc); err != nil {
				return err
			}
			_, err := ledger.AddReceipt(doc, req, now)
			return err
		}
		_, err := ledger.SetPayment(doc, t.ID, t.Properties[0].ID, now.Year(), month, status, "", now)
		return err
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalCommits: len(durations),
	}
}

// Print writes the result in a human-readable form.
func (r *Result) Print(w io.Writer) {
	s := r.Commits
	fmt.Fprintf(w, "Commit latency:\n")
	fmt.Fprintf(w, "  Total commits: %d\n", s.TotalCommits)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
	fmt.Fprintf(w, "Convergence:\n")
	fmt.Fprintf(w, "  Converged:     %v\n", r.Converged)
	fmt.Fprintf(w, "  Time:          %v\n", r.Convergence.Round(time.Millisecond))
	fmt.Fprintf(w, "  Receipts:      %d\n", r.Receipts)
	fmt.Fprintf(w, "  Payments:      %d\n", r.Payments)
}
