package main

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestGeneratorEventsAreValid(t *testing.T) {
	gen := newGenerator(42, "test")

	frauds := 0
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		s := gen.next(0.2)
		if err := s.Event.Validate(); err != nil {
			t.Fatalf("event %d invalid: %v", i, err)
		}
		if seen[s.Event.TransactionID] {
			t.Fatalf("duplicate transaction id %s", s.Event.TransactionID)
		}
		seen[s.Event.TransactionID] = true
		if s.IsFraud {
			frauds++
			if !s.Event.IP.IsTor && !s.Event.IP.IsDatacenter {
				t.Errorf("fraud sample %s has a clean IP", s.Event.TransactionID)
			}
		}
	}
	if frauds == 0 || frauds == 500 {
		t.Errorf("expected a mix of fraud and ordinary samples, got %d fraud", frauds)
	}
}

func TestGeneratorDeterministic(t *testing.T) {
	a := newGenerator(7, "run")
	b := newGenerator(7, "run")
	fixed := func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	a.now, b.now = fixed, fixed

	for i := 0; i < 50; i++ {
		x, y := a.next(0.5), b.next(0.5)
		if x.IsFraud != y.IsFraud || !x.Event.Amount.Equal(y.Event.Amount) || x.Event.AccountID != y.Event.AccountID {
			t.Fatalf("sample %d differs for the same seed", i)
		}
	}
}

const paysimCSV = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
1,CASH_OUT,not-a-number,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0
2,CASH_OUT,0,C840083672,181.0,0.0,C38997010,21182.0,0.0,0,0
3,DEBIT,5337.77,C712410124,41720.0,36382.23,C195600860,41898.0,40348.79,0,0
`

func TestReadPaySim(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	samples, err := readPaySim(strings.NewReader(paysimCSV), "r1", start, 0)
	if err != nil {
		t.Fatalf("readPaySim failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 usable rows, got %d", len(samples))
	}

	first := samples[0].Event
	if first.AccountID != "C1231006815" || first.MerchantID != "M1979787155" {
		t.Errorf("unexpected parties %s -> %s", first.AccountID, first.MerchantID)
	}
	if !samples[1].IsFraud || samples[0].IsFraud {
		t.Error("fraud labels not carried over")
	}
	if !samples[2].Event.Timestamp.Equal(start.Add(3 * time.Hour)) {
		t.Errorf("expected step 3 at +3h, got %v", samples[2].Event.Timestamp)
	}
	for _, s := range samples {
		if err := s.Event.Validate(); err != nil {
			t.Errorf("%s invalid: %v", s.Event.TransactionID, err)
		}
	}

	limited, err := readPaySim(strings.NewReader(paysimCSV), "r1", start, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("expected 1 row with limit, got %d (%v)", len(limited), err)
	}

	if _, err := readPaySim(strings.NewReader("step,amount\n1,10\n"), "r1", start, 0); err == nil {
		t.Error("expected error for missing columns")
	}
}

func TestReportObserve(t *testing.T) {
	rep := newReport()
	sentAt := time.Now()
	rep.markSent("T1", true, sentAt)
	rep.markSent("T2", false, sentAt)
	rep.markSent("T3", false, sentAt)

	scored := func(id string, level domain.RiskLevel) *domain.ScoredTransaction {
		return &domain.ScoredTransaction{TransactionEvent: domain.TransactionEvent{TransactionID: id}, RiskLevel: level}
	}

	now := sentAt.Add(20 * time.Millisecond)
	rep.observe(scored("T1", domain.RiskHigh), now, domain.RiskHigh)
	rep.observe(scored("T2", domain.RiskMedium), now, domain.RiskHigh)
	rep.observe(scored("T3", domain.RiskMedium), now, domain.RiskMedium)

	if rep.observe(scored("T1", domain.RiskHigh), now, domain.RiskHigh) {
		t.Error("duplicate result counted twice")
	}
	if rep.observe(scored("OTHER", domain.RiskLow), now, domain.RiskHigh) {
		t.Error("foreign result counted")
	}

	if rep.TruePositives != 1 || rep.TrueNegatives != 1 || rep.FalsePositives != 1 {
		t.Errorf("unexpected matrix TP=%d TN=%d FP=%d", rep.TruePositives, rep.TrueNegatives, rep.FalsePositives)
	}
	if rep.outstanding() != 0 || rep.Scored != 3 {
		t.Errorf("expected all results observed, outstanding=%d scored=%d", rep.outstanding(), rep.Scored)
	}
	if rep.latencies[0] != 20*time.Millisecond {
		t.Errorf("expected 20ms latency, got %v", rep.latencies[0])
	}
}
