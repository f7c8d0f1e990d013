package relay

import (
	"fmt"
	"time"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// ParseStatus converts a string to Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusConfirmed, StatusFailed:
		return Status(s), true
	}
	return "", false
}

// IsTerminal reports whether no relayer update can move the status further.
// Failed is terminal until a sender or operator retries it.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// ValidTransitions is the message status machine.
var ValidTransitions = map[Status][]Status{
	StatusPending: {StatusConfirmed, StatusFailed},
	StatusFailed:  {StatusPending},
}

// CanTransition returns true if from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// Channel is the delivery path used on the destination domain.
type Channel string

const (
	ChannelInline      Channel = "inline"
	ChannelSideChannel Channel = "side_channel"
)

// ChannelFor maps the optimizer's decision to a channel.
func ChannelFor(useSideChannel bool) Channel {
	if useSideChannel {
		return ChannelSideChannel
	}
	return ChannelInline
}

// Message is one bridged payload with its own lifecycle.
type Message struct {
	ID                  string      `json:"message_id" db:"id"`
	Sender              string      `json:"sender" db:"sender"`
	DestinationDomainID uint64      `json:"destination_domain_id" db:"domain_id"`
	Payload             []byte      `json:"payload,omitempty" db:"payload"`
	PayloadType         PayloadType `json:"payload_type,omitempty" db:"payload_type"`
	Compressed          bool        `json:"compressed" db:"compressed"`
	OriginalSize        uint32      `json:"original_size" db:"original_size"`
	PayloadSize         uint32      `json:"payload_size" db:"payload_size"`
	Channel             Channel     `json:"channel" db:"channel"`
	Nonce               uint64      `json:"nonce" db:"nonce"`
	Status              Status      `json:"status" db:"status"`
	FailureReason       string      `json:"failure_reason,omitempty" db:"failure_reason"`
	RetryCount          uint32      `json:"retry_count" db:"retry_count"`
	NativeCost          uint64      `json:"native_cost" db:"native_cost"`
	USDCostE8           int64       `json:"usd_cost_e8" db:"usd_cost_e8"`
	Archived            bool        `json:"archived" db:"archived"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
	ConfirmedAt         *time.Time  `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// Transition is one entry of a message's audit trail.
type Transition struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	From      Status    `json:"from,omitempty" db:"from_status"`
	To        Status    `json:"to" db:"to_status"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	Actor     string    `json:"actor" db:"actor"`
	At        time.Time `json:"at" db:"at"`
}
