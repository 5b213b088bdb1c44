package domain

import "context"

// GraphQuery identifies the entities around one transaction.
// Empty DeviceID or IPAddress means that part is not queried.
type GraphQuery struct {
	AccountID string
	DeviceID  string
	IPAddress string
}

// GraphFacts is the result of the single graph query issued per evaluation.
type GraphFacts struct {
	// Distinct accounts with a USED edge to the device, including this one.
	SharedDeviceAccounts int `json:"sharedDeviceAccounts"`

	// Distinct accounts with a CONNECTED_FROM edge to the IP, including this one.
	SharedIPAccounts int `json:"sharedIpAccounts"`

	// The account lies on a cycle of the account-device/IP graph.
	InRing bool `json:"inRing"`
}

// GraphStore answers entity-link questions. It is read-only for the engine.
type GraphStore interface {
	Facts(ctx context.Context, q GraphQuery) (GraphFacts, error)
	Ping(ctx context.Context) error
	Close() error
}

// Edge kinds in the entity graph.
const (
	EdgeUsed          = "USED"
	EdgeConnectedFrom = "CONNECTED_FROM"
)
