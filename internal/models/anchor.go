package models

import "time"

// Network identifies an external anchoring ledger.
type Network string

const (
	NetworkPolygon Network = "polygon"
	NetworkBitcoin Network = "bitcoin"
)

// Networks lists anchor networks in their canonical order.
var Networks = []Network{NetworkPolygon, NetworkBitcoin}

// ParseNetwork normalizes a network name.
func ParseNetwork(s string) (Network, bool) {
	switch Network(s) {
	case NetworkPolygon, NetworkBitcoin:
		return Network(s), true
	}
	return "", false
}

// AnchorStatus tracks a single anchor attempt through the confirmation workflow.
type AnchorStatus string

const (
	AnchorQueued     AnchorStatus = "queued"
	AnchorPending    AnchorStatus = "pending"
	AnchorProcessing AnchorStatus = "processing"
	AnchorConfirmed  AnchorStatus = "confirmed"
	AnchorFailed     AnchorStatus = "failed"
	AnchorCancelled  AnchorStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s AnchorStatus) Terminal() bool {
	return s == AnchorConfirmed || s == AnchorFailed || s == AnchorCancelled
}

// Anchor binds a document hash to an external ledger.
type Anchor struct {
	ID           string       `json:"id"`
	DocumentID   string       `json:"document_id"`
	Network      Network      `json:"network"`
	Status       AnchorStatus `json:"status"`
	DocumentHash string       `json:"document_hash"`
	Proof        []byte       `json:"proof,omitempty"`
	Endpoint     string       `json:"endpoint,omitempty"`
	TxRef        string       `json:"tx_ref,omitempty"`
	BlockHeight  *int64       `json:"block_height,omitempty"`
	Attempts     int          `json:"attempts"`
	ConfirmedAt  *time.Time   `json:"confirmed_at,omitempty"`
	LastError    *string      `json:"last_error,omitempty"`
	NextPollAt   time.Time    `json:"next_poll_at"`
	NotifiedAt   *time.Time   `json:"notified_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
