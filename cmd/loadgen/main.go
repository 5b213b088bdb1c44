// Load generator for Kestrel.
//
// Usage:
//
//	go run ./cmd/loadgen -n 10000 -fraud-rate 0.02
//	go run ./cmd/loadgen -csv /path/to/paysim.csv -limit 50000
//
// This tool:
//  1. Records each event in the velocity store and links its account to the
//     device and IP in the entity graph, standing in for the enrichment stage
//  2. Publishes labelled transaction events (synthetic or PaySim) to the input stream
//  3. Tails the scored stream with its own consumer group
//  4. Compares the engine's risk level with the labels
//  5. Reports the risk-level distribution, confusion matrix and end-to-end latency
//
// It reads the same configuration as the engine, so queue.type must be
// redis or nats.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/redis/go-redis/v9"
)

const outputGroup = "kestrel-loadgen"

// report tracks results.
type report struct {
	mu        sync.Mutex
	sent      map[string]sentInfo
	latencies []time.Duration
	levels    map[domain.RiskLevel]int

	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Published   atomic.Int64
	PublishErrs atomic.Int64
	EnrichErrs  atomic.Int64
	Scored      int64
}

type sentInfo struct {
	at      time.Time
	isFraud bool
}

func newReport() *report {
	return &report{
		sent:   make(map[string]sentInfo),
		levels: make(map[domain.RiskLevel]int),
	}
}

func (r *report) markSent(txID string, isFraud bool, at time.Time) {
	r.mu.Lock()
	r.sent[txID] = sentInfo{at: at, isFraud: isFraud}
	r.mu.Unlock()
}

// observe records a scored result; it returns false for transactions this
// run did not publish or has already seen.
func (r *report) observe(s *domain.ScoredTransaction, now time.Time, alertAt domain.RiskLevel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sent[s.TransactionID]
	if !ok {
		return false
	}
	delete(r.sent, s.TransactionID)

	r.Scored++
	r.levels[s.RiskLevel]++
	r.latencies = append(r.latencies, now.Sub(info.at))

	predicted := s.RiskLevel == domain.RiskHigh || (alertAt == domain.RiskMedium && s.RiskLevel == domain.RiskMedium)
	switch {
	case predicted && info.isFraud:
		r.TruePositives++
	case predicted && !info.isFraud:
		r.FalsePositives++
	case !predicted && !info.isFraud:
		r.TrueNegatives++
	default:
		r.FalseNegatives++
	}
	return true
}

func (r *report) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $KESTREL_CONFIG)")
	csvPath := flag.String("csv", "", "PaySim CSV file (default: synthetic events)")
	count := flag.Int("n", 1000, "number of synthetic events")
	limit := flag.Int("limit", 10000, "maximum PaySim rows (0 = all)")
	fraudRate := flag.Float64("fraud-rate", 0.05, "share of synthetic events that look fraudulent")
	rate := flag.Int("rate", 0, "publish rate in events/sec (0 = unthrottled)")
	workers := flag.Int("workers", 4, "concurrent publishers")
	alertLevel := flag.String("alert-level", "HIGH", "lowest risk level counted as an alert (HIGH or MEDIUM)")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for scored results after publishing")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed for synthetic events")
	enrich := flag.Bool("enrich", true, "record velocity and graph links for each event before publishing")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load configuration: %v", err)
	}
	if cfg.Queue.Type == "memory" {
		fatal("queue.type is memory; set KESTREL_QUEUE__TYPE=redis or nats to reach a running engine")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := uuid.NewString()[:8]
	var samples []sample
	if *csvPath != "" {
		samples, err = readPaySimFile(*csvPath, runID, *limit)
		if err != nil {
			fatal("failed to read CSV: %v", err)
		}
	} else {
		gen := newGenerator(*seed, runID)
		for i := 0; i < *count; i++ {
			samples = append(samples, gen.next(*fraudRate))
		}
	}
	if len(samples) == 0 {
		fatal("nothing to publish")
	}

	var client *redis.Client
	if cfg.Queue.Type == "redis" || (*enrich && cfg.Velocity.Type == "redis") {
		client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
	}
	q, err := queue.New(ctx, cfg.Queue, cfg.NATS, client)
	if err != nil {
		fatal("failed to connect to queue: %v", err)
	}
	defer q.Close()
	if err := q.EnsureGroup(ctx, cfg.Queue.OutputTopic, outputGroup); err != nil {
		fatal("failed to create output group: %v", err)
	}

	var enr *enricher
	if *enrich {
		var closeEnricher func()
		enr, closeEnricher, err = openEnricher(ctx, cfg, client)
		if err != nil {
			fatal("failed to open enrichment stores: %v", err)
		}
		defer closeEnricher()
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|                     KESTREL LOAD GENERATOR                    |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nRun ID:      %s\n", runID)
	fmt.Printf("Queue:       %s (%s -> %s)\n", cfg.Queue.Type, cfg.Queue.InputTopic, cfg.Queue.OutputTopic)
	fmt.Printf("Events:      %d\n", len(samples))
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Enrichment:  %v (velocity=%s, graph=%s)\n", *enrich, cfg.Velocity.Type, cfg.Graph.Type)
	fmt.Printf("Alert level: %s\n\n", *alertLevel)

	rep := newReport()
	start := time.Now()

	consumeCtx, stopConsume := context.WithCancel(ctx)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consume(consumeCtx, q, cfg.Queue.OutputTopic, rep, domain.RiskLevel(*alertLevel))
	}()

	publish(ctx, q, enr, cfg.Queue.InputTopic, samples, rep, *workers, *rate)
	publishDuration := time.Since(start)

	deadline := time.Now().Add(*wait)
	for rep.outstanding() > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(100 * time.Millisecond)
	}
	stopConsume()
	<-consumed

	printResults(rep, publishDuration, time.Since(start))
}

func publish(ctx context.Context, q domain.Queue, enr *enricher, topic string, samples []sample, rep *report, workers, rate int) {
	work := make(chan sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range work {
				if enr != nil {
					if err := enr.apply(ctx, s.Event); err != nil {
						rep.EnrichErrs.Add(1)
						slog.Warn("enrichment failed", "tx_id", s.Event.TransactionID, "error", err)
					}
				}
				payload, err := queue.EncodeTransaction(s.Event)
				if err != nil {
					rep.PublishErrs.Add(1)
					continue
				}
				rep.markSent(s.Event.TransactionID, s.IsFraud, time.Now())
				if _, err := q.Publish(ctx, topic, s.Event.TransactionID, payload); err != nil {
					rep.PublishErrs.Add(1)
					continue
				}
				rep.Published.Add(1)
			}
		}()
	}

	var tick <-chan time.Time
	if rate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	for _, s := range samples {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
		work <- s
	}
	close(work)
	wg.Wait()
}

func consume(ctx context.Context, q domain.Queue, topic string, rep *report, alertAt domain.RiskLevel) {
	consumer := "loadgen-" + uuid.NewString()[:8]
	for ctx.Err() == nil {
		deliveries, err := q.Receive(ctx, topic, outputGroup, consumer, 100)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Warn("receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		now := time.Now()
		for _, d := range deliveries {
			if scored, err := queue.DecodeScored(d.Payload); err == nil {
				rep.observe(scored, now, alertAt)
			}
			if err := q.Ack(ctx, topic, outputGroup, d); err != nil && ctx.Err() == nil {
				slog.Warn("ack failed", "message_id", d.ID, "error", err)
			}
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(r *report, publishDuration, total time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                        LOAD RESULTS                           |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nTHROUGHPUT\n")
	fmt.Printf("   Published:        %d (%d errors)\n", r.Published.Load(), r.PublishErrs.Load())
	fmt.Printf("   Enrich errors:    %d\n", r.EnrichErrs.Load())
	fmt.Printf("   Scored:           %d\n", r.Scored)
	fmt.Printf("   Missing:          %d\n", r.outstanding())
	if publishDuration > 0 {
		fmt.Printf("   Publish rate:     %.2f tx/sec\n", float64(r.Published.Load())/publishDuration.Seconds())
	}
	fmt.Printf("   Total duration:   %v\n", total.Round(time.Millisecond))

	fmt.Printf("\nRISK LEVELS\n")
	for _, level := range []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh} {
		n := r.levels[level]
		pct := 0.0
		if r.Scored > 0 {
			pct = 100 * float64(n) / float64(r.Scored)
		}
		fmt.Printf("   %-7s %8d (%.2f%%)\n", level, n, pct)
	}

	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	fmt.Printf("\nEND-TO-END LATENCY\n")
	fmt.Printf("   p50:  %v\n", percentile(r.latencies, 0.50).Round(time.Microsecond))
	fmt.Printf("   p95:  %v\n", percentile(r.latencies, 0.95).Round(time.Microsecond))
	fmt.Printf("   p99:  %v\n", percentile(r.latencies, 0.99).Round(time.Microsecond))

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                    Alert     No alert")
	fmt.Printf("   Actual  F   %9d  %9d   (TP, FN)\n", r.TruePositives, r.FalseNegatives)
	fmt.Printf("          NF   %9d  %9d   (FP, TN)\n", r.FalsePositives, r.TrueNegatives)

	precision, recall := 0.0, 0.0
	if r.TruePositives+r.FalsePositives > 0 {
		precision = float64(r.TruePositives) / float64(r.TruePositives+r.FalsePositives)
	}
	if r.TruePositives+r.FalseNegatives > 0 {
		recall = float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
	}
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	fmt.Printf("\n   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Println()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}
