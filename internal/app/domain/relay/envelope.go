package relay

import (
	"math/big"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order is a tokenized-asset order bridged to a destination domain.
// BusinessID may be bridged at most once.
type Order struct {
	BusinessID          string    `json:"order_id"`
	Trader              string    `json:"trader"`
	AssetID             string    `json:"asset_id"`
	Side                Side      `json:"side"`
	Amount              *big.Int  `json:"amount"`
	Price               *big.Int  `json:"price"`
	ExpiresAt           time.Time `json:"expires_at"`
	DestinationDomainID uint64    `json:"destination_domain_id"`
}

// Trade is a matched trade whose settlement is bridged to a destination domain.
type Trade struct {
	BusinessID          string    `json:"trade_id"`
	Buyer               string    `json:"buyer"`
	Seller              string    `json:"seller"`
	AssetID             string    `json:"asset_id"`
	SettlementAsset     string    `json:"settlement_asset"`
	Amount              *big.Int  `json:"amount"`
	Price               *big.Int  `json:"price"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	DestinationDomainID uint64    `json:"destination_domain_id"`
}

// BatchEntry is the payload of one message created by a batch submission.
type BatchEntry struct {
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
	Payload   []byte   `json:"payload"`
}

// ItemKind distinguishes bridged business items.
type ItemKind string

const (
	ItemOrder ItemKind = "order"
	ItemTrade ItemKind = "trade"
)

// BridgedItem records that a business id has been bridged, and by which message.
type BridgedItem struct {
	Kind         ItemKind  `json:"kind" db:"kind"`
	BusinessID   string    `json:"business_id" db:"business_id"`
	MessageID    string    `json:"message_id" db:"message_id"`
	Owner        string    `json:"owner" db:"owner"`
	Participants []string  `json:"participants" db:"-"`
	DomainID     uint64    `json:"domain_id" db:"domain_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// HasParticipant reports whether user is a party to the item.
func (b BridgedItem) HasParticipant(user string) bool {
	if b.Owner == user {
		return true
	}
	for _, p := range b.Participants {
		if p == user {
			return true
		}
	}
	return false
}
