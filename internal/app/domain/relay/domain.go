// Package relay holds the pure data model of the cross-domain message relay:
// destination domains, messages and their status machine, compression
// profiles, and the business envelopes carried inside messages.
package relay

import (
	"strings"
	"time"
)

// Family is the execution-environment family of a destination domain.
type Family string

const (
	FamilyOptimisticRollup Family = "optimistic_rollup"
	FamilyZKRollup         Family = "zk_rollup"
	FamilyValidium         Family = "validium"
	FamilyAppChain         Family = "app_chain"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyOptimisticRollup, FamilyZKRollup, FamilyValidium, FamilyAppChain:
		return true
	}
	return false
}

// Domain is a destination execution environment messages can be delivered to.
// Domains are never deleted; Active=false stops new messages.
type Domain struct {
	ID                      uint64    `json:"domain_id" db:"id"`
	Family                  Family    `json:"family" db:"family"`
	EndpointRef             string    `json:"endpoint_ref" db:"endpoint_ref"`
	RollupRef               string    `json:"rollup_ref" db:"rollup_ref"`
	ConfirmationDepth       uint32    `json:"confirmation_depth" db:"confirmation_depth"`
	SettlementSymbol        string    `json:"settlement_symbol" db:"settlement_symbol"`
	NativeUSDPrice          int64     `json:"native_usd_price_e8" db:"native_usd_price_e8"`
	AvgBlockIntervalSeconds uint32    `json:"avg_block_interval_seconds" db:"avg_block_interval_seconds"`
	SideChannelEnabled      bool      `json:"side_channel_enabled" db:"side_channel_enabled"`
	MaxPayloadBytes         uint32    `json:"max_payload_bytes" db:"max_payload_bytes"`
	Active                  bool      `json:"active" db:"active"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// ConfirmationSeconds is the advertised time to finality on the domain.
func (d Domain) ConfirmationSeconds() uint64 {
	return uint64(d.AvgBlockIntervalSeconds) * uint64(d.ConfirmationDepth)
}

// DomainUpdate carries the mutable domain fields. Nil fields are preserved.
type DomainUpdate struct {
	Family                  *Family `json:"family,omitempty"`
	EndpointRef             *string `json:"endpoint_ref,omitempty"`
	RollupRef               *string `json:"rollup_ref,omitempty"`
	ConfirmationDepth       *uint32 `json:"confirmation_depth,omitempty"`
	SettlementSymbol        *string `json:"settlement_symbol,omitempty"`
	NativeUSDPrice          *int64  `json:"native_usd_price_e8,omitempty"`
	AvgBlockIntervalSeconds *uint32 `json:"avg_block_interval_seconds,omitempty"`
	SideChannelEnabled      *bool   `json:"side_channel_enabled,omitempty"`
	MaxPayloadBytes         *uint32 `json:"max_payload_bytes,omitempty"`
	Active                  *bool   `json:"active,omitempty"`
}

// Apply returns d with every non-nil field of u written over it.
func (u DomainUpdate) Apply(d Domain) Domain {
	if u.Family != nil {
		d.Family = *u.Family
	}
	if u.EndpointRef != nil {
		d.EndpointRef = strings.TrimSpace(*u.EndpointRef)
	}
	if u.RollupRef != nil {
		d.RollupRef = strings.TrimSpace(*u.RollupRef)
	}
	if u.ConfirmationDepth != nil {
		d.ConfirmationDepth = *u.ConfirmationDepth
	}
	if u.SettlementSymbol != nil {
		d.SettlementSymbol = strings.TrimSpace(*u.SettlementSymbol)
	}
	if u.NativeUSDPrice != nil {
		d.NativeUSDPrice = *u.NativeUSDPrice
	}
	if u.AvgBlockIntervalSeconds != nil {
		d.AvgBlockIntervalSeconds = *u.AvgBlockIntervalSeconds
	}
	if u.SideChannelEnabled != nil {
		d.SideChannelEnabled = *u.SideChannelEnabled
	}
	if u.MaxPayloadBytes != nil {
		d.MaxPayloadBytes = *u.MaxPayloadBytes
	}
	if u.Active != nil {
		d.Active = *u.Active
	}
	return d
}

// IsZeroRef reports whether an endpoint reference is empty or an all-zero
// address such as 0x0000000000000000000000000000000000000000.
func IsZeroRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(strings.TrimPrefix(ref, "0x"), "0X")
	if ref == "" {
		return true
	}
	return strings.Trim(ref, "0") == ""
}
