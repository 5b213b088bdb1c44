package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidEvent is returned (wrapped in a ValidationError) when a
// transaction event is missing required fields.
var ErrInvalidEvent = errors.New("invalid transaction event")

// TransactionEvent is the unit of work consumed from the input stream.
// It is produced by the upstream enrichment stage and never mutated here.
type TransactionEvent struct {
	TransactionID string          `json:"transactionId"`
	AccountID     string          `json:"accountId"`
	MerchantID    string          `json:"merchantId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`

	// Enrichment populated upstream
	Account AccountInfo `json:"account"`
	IP      IPInfo      `json:"ip"`
	Device  DeviceInfo  `json:"device"`
}

// AccountInfo carries the account attributes known at enrichment time.
type AccountInfo struct {
	RiskLevel RiskLevel `json:"riskLevel,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Country   string    `json:"country,omitempty"`
}

// IPInfo is the classification of the IP address the transaction came from.
type IPInfo struct {
	Address      string `json:"address,omitempty"`
	Country      string `json:"country,omitempty"`
	IsVPN        bool   `json:"isVpn"`
	IsTor        bool   `json:"isTor"`
	IsDatacenter bool   `json:"isDatacenter"`
}

// DeviceInfo identifies the device used for the transaction.
type DeviceInfo struct {
	DeviceID    string `json:"deviceId,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ValidationError lists every problem found in a transaction event.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidEvent, strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidEvent).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

// Validate checks the fields required for scoring.
// Enrichment fields are optional; rules that need them simply do not fire.
func (t *TransactionEvent) Validate() error {
	var problems []string

	if strings.TrimSpace(t.TransactionID) == "" {
		problems = append(problems, "transactionId is required")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		problems = append(problems, "accountId is required")
	}
	if strings.TrimSpace(t.MerchantID) == "" {
		problems = append(problems, "merchantId is required")
	}
	if !t.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if len(t.Currency) != 3 {
		problems = append(problems, "currency must be a 3-letter code")
	}
	if t.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if t.Account.RiskLevel != "" && !t.Account.RiskLevel.Valid() {
		problems = append(problems, fmt.Sprintf("account.riskLevel %q is not LOW, MEDIUM or HIGH", t.Account.RiskLevel))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// AccountAge returns how old the account was when the transaction happened.
// ok is false when the account creation time is unknown.
func (t *TransactionEvent) AccountAge() (age time.Duration, ok bool) {
	if t.Account.CreatedAt.IsZero() {
		return 0, false
	}
	return t.Timestamp.Sub(t.Account.CreatedAt), true
}
