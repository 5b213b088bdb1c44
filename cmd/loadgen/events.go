package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// sample is one event to publish plus its ground-truth label.
type sample struct {
	Event   *domain.TransactionEvent
	IsFraud bool
}

const (
	muleAccounts = 8
	fraudDevices = 10
)

// generator produces synthetic enriched events.
type generator struct {
	rng   *rand.Rand
	runID string
	now   func() time.Time
	seq   int
}

func newGenerator(seed uint64, runID string) *generator {
	return &generator{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		runID: runID,
		now:   time.Now,
	}
}

// next returns an ordinary purchase, or with probability fraudRate a
// fraudulent one (Tor or datacenter IP, new or high-risk account, large
// or round amount, shared device, often a repeat mule account).
func (g *generator) next(fraudRate float64) sample {
	g.seq++
	now := g.now().UTC()
	fraud := g.rng.Float64() < fraudRate

	tx := &domain.TransactionEvent{
		TransactionID: fmt.Sprintf("LG-%s-%07d", g.runID, g.seq),
		AccountID:     fmt.Sprintf("ACC-%04d", g.rng.IntN(500)),
		MerchantID:    fmt.Sprintf("MER-%03d", g.rng.IntN(50)),
		Currency:      "USD",
		Timestamp:     now,
		Account: domain.AccountInfo{
			RiskLevel: domain.RiskLow,
			CreatedAt: now.Add(-time.Duration(30+g.rng.IntN(1000)) * 24 * time.Hour),
			Country:   "US",
		},
		IP: domain.IPInfo{
			Address: fmt.Sprintf("73.%d.%d.%d", g.rng.IntN(256), g.rng.IntN(256), 1+g.rng.IntN(254)),
			Country: "US",
		},
		Device: domain.DeviceInfo{
			DeviceID: fmt.Sprintf("DEV-%05d", g.rng.IntN(20000)),
		},
	}

	if !fraud {
		cents := 100 + g.rng.Int64N(30000)
		tx.Amount = decimal.New(cents, -2)
		return sample{Event: tx}
	}

	switch g.rng.IntN(4) {
	case 0:
		tx.Amount = decimal.NewFromInt(int64(3000 + g.rng.IntN(7000)))
	case 1:
		tx.Amount = decimal.NewFromInt(int64(1000 * (1 + g.rng.IntN(5))))
	default:
		tx.Amount = decimal.New(50000+g.rng.Int64N(500000), -2)
	}
	if g.rng.IntN(2) == 0 {
		tx.IP.IsTor = true
		tx.IP.Address = "185.220.101." + strconv.Itoa(1+g.rng.IntN(254))
		tx.IP.Country = "DE"
	} else {
		tx.IP.IsDatacenter = true
		tx.IP.IsVPN = g.rng.IntN(2) == 0
		tx.IP.Country = "NL"
	}
	if g.rng.IntN(2) == 0 {
		tx.Account.CreatedAt = now.Add(-time.Duration(g.rng.IntN(72)) * time.Hour)
	} else {
		tx.Account.RiskLevel = domain.RiskHigh
	}
	// Half the fraud comes from a few mule accounts, which builds velocity.
	// Fraud devices come from a small pool; once the enrichment step records
	// the edges, accounts sharing them form shared-device links and rings.
	if g.rng.IntN(2) == 0 {
		tx.AccountID = fmt.Sprintf("ACC-MULE-%02d", g.rng.IntN(muleAccounts))
	}
	tx.Device.DeviceID = fmt.Sprintf("DEV-FRAUD-%02d", g.rng.IntN(fraudDevices))

	return sample{Event: tx, IsFraud: true}
}

// readPaySim converts PaySim rows into events. Origin accounts become
// account ids; the PaySim step (hours) offsets the timestamp from start.
func readPaySim(r io.Reader, runID string, start time.Time, limit int) ([]sample, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, required := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var out []sample
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		step, _ := strconv.Atoi(record[col["step"]])
		amount, err := decimal.NewFromString(record[col["amount"]])
		if err != nil || !amount.IsPositive() {
			continue
		}

		ts := start.Add(time.Duration(step) * time.Hour).UTC()
		out = append(out, sample{
			Event: &domain.TransactionEvent{
				TransactionID: fmt.Sprintf("PS-%s-%07d", runID, len(out)+1),
				AccountID:     record[col["nameorig"]],
				MerchantID:    record[col["namedest"]],
				Amount:        amount,
				Currency:      "USD",
				Timestamp:     ts,
				Account: domain.AccountInfo{
					RiskLevel: domain.RiskLow,
					CreatedAt: start.Add(-365 * 24 * time.Hour).UTC(),
				},
			},
			IsFraud: record[col["isfraud"]] == "1",
		})

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func readPaySimFile(path, runID string, limit int) ([]sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readPaySim(f, runID, time.Now().Add(-30*24*time.Hour), limit)
}
