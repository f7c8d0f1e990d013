// Package optimizer picks the delivery channel for a payload and estimates
// what delivering it will cost. All arithmetic is integer so an estimate is
// reproducible bit for bit.
package optimizer

import (
	"context"
	"math/big"
	"sync"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// BasisPoints is 100%.
const BasisPoints = 10000

var (
	bigBps = big.NewInt(BasisPoints)
	// 1e18 wei per native unit.
	weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Params are the admin-tunable cost model inputs.
type Params struct {
	SideChannelThreshold    uint64                  `json:"side_channel_threshold"`
	EfficiencyBps           uint64                  `json:"efficiency_bps"`
	InlineBaseFee           uint64                  `json:"inline_base_fee"`
	InlineFeePerByte        uint64                  `json:"inline_fee_per_byte"`
	SideChannelBaseFee      uint64                  `json:"side_channel_base_fee"`
	SideChannelFeePerByte   uint64                  `json:"side_channel_fee_per_byte"`
	GasPriceWei             uint64                  `json:"gas_price_wei"`
	FastConfirmationSeconds uint64                  `json:"fast_confirmation_seconds"`
	MaxSpeedBps             uint64                  `json:"max_speed_bps"`
	FamilyMultiplierBps     map[relay.Family]uint64 `json:"family_multiplier_bps"`
}

// DefaultParams returns the stock cost model.
func DefaultParams() Params {
	return Params{
		SideChannelThreshold:    128 * 1024,
		EfficiencyBps:           BasisPoints,
		InlineBaseFee:           21000,
		InlineFeePerByte:        16,
		SideChannelBaseFee:      131072,
		SideChannelFeePerByte:   1,
		GasPriceWei:             1_000_000_000,
		FastConfirmationSeconds: 60,
		MaxSpeedBps:             3 * BasisPoints,
		FamilyMultiplierBps: map[relay.Family]uint64{
			relay.FamilyOptimisticRollup: 10000,
			relay.FamilyZKRollup:         12000,
			relay.FamilyValidium:         9000,
			relay.FamilyAppChain:         11000,
		},
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.EfficiencyBps == 0 {
		return errors.OutOfRange("efficiency_bps", p.EfficiencyBps, "> 0")
	}
	if p.MaxSpeedBps < BasisPoints {
		return errors.OutOfRange("max_speed_bps", p.MaxSpeedBps, ">= 10000")
	}
	if p.GasPriceWei == 0 {
		return errors.OutOfRange("gas_price_wei", p.GasPriceWei, "> 0")
	}
	for family, bps := range p.FamilyMultiplierBps {
		if !family.Valid() {
			return errors.Invalid("unknown domain family").WithDetails("family", string(family))
		}
		if bps == 0 {
			return errors.OutOfRange("family_multiplier_bps."+string(family), bps, "> 0")
		}
	}
	return nil
}

// EffectiveThreshold is the payload size above which the side channel wins.
func (p Params) EffectiveThreshold() uint64 {
	t := new(big.Int).SetUint64(p.SideChannelThreshold)
	t.Mul(t, new(big.Int).SetUint64(p.EfficiencyBps))
	t.Quo(t, bigBps)
	if !t.IsUint64() {
		return ^uint64(0)
	}
	return t.Uint64()
}

func (p Params) clone() Params {
	out := p
	out.FamilyMultiplierBps = make(map[relay.Family]uint64, len(p.FamilyMultiplierBps))
	for k, v := range p.FamilyMultiplierBps {
		out.FamilyMultiplierBps[k] = v
	}
	return out
}

// Estimate is the cost of delivering one payload.
type Estimate struct {
	DomainID               uint64        `json:"domain_id"`
	PayloadSize            uint64        `json:"payload_size"`
	Channel                relay.Channel `json:"channel"`
	NativeUnitsInline      *big.Int      `json:"native_units_inline"`
	NativeUnitsSideChannel *big.Int      `json:"native_units_side_channel"`
	USDCostE8              *big.Int      `json:"usd_cost_e8"`
	SpeedBps               uint64        `json:"speed_bps"`
	MultiplierBps          uint64        `json:"multiplier_bps"`
}

// Selected returns the native cost of the chosen channel.
func (e Estimate) Selected() *big.Int {
	if e.Channel == relay.ChannelSideChannel {
		return e.NativeUnitsSideChannel
	}
	return e.NativeUnitsInline
}

// DomainSource resolves domains by id.
type DomainSource interface {
	GetDomain(ctx context.Context, id uint64) (relay.Domain, error)
}

// Service evaluates channel selection and cost estimates.
type Service struct {
	domains DomainSource
	log     *logger.Logger
	journal events.Journal

	mu     sync.RWMutex
	params Params
}

// New constructs an optimizer. Invalid params fall back to the defaults.
func New(domains DomainSource, params Params, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("optimizer")
	}
	if err := params.Validate(); err != nil {
		log.WithError(err).Warn("invalid optimizer params, using defaults")
		params = DefaultParams()
	}
	return &Service{
		domains: domains,
		log:     log,
		journal: events.NoOpJournal{},
		params:  params.clone(),
	}
}

// WithJournal records parameter changes on the event journal.
func (s *Service) WithJournal(j events.Journal) {
	if j != nil {
		s.journal = j
	}
}

// Params returns a copy of the active parameters.
func (s *Service) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.clone()
}

// UpdateParams replaces the cost model. Families omitted from the new
// multiplier table keep their current multiplier. The change lives in this
// process only; a restart reloads the configured parameters.
func (s *Service) UpdateParams(ctx context.Context, caller auth.Principal, p Params) (Params, error) {
	if err := auth.Require(caller, auth.CapAdmin); err != nil {
		return Params{}, err
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}

	s.mu.Lock()
	next := p.clone()
	for family, bps := range s.params.FamilyMultiplierBps {
		if _, ok := next.FamilyMultiplierBps[family]; !ok {
			next.FamilyMultiplierBps[family] = bps
		}
	}
	s.params = next
	s.mu.Unlock()

	s.log.WithField("threshold", next.SideChannelThreshold).
		WithField("efficiency_bps", next.EfficiencyBps).
		WithField("gas_price_wei", next.GasPriceWei).
		Info("optimizer params updated")
	events.NewEvent(events.EventOptimizerUpdated).
		Component("optimizer").
		Actor(caller.ID).
		MetadataInt("effective_threshold", int64(next.EffectiveThreshold())).
		LogToWithContext(ctx, s.journal)
	return next.clone(), nil
}

// SelectChannel reports whether a payload of size bytes should use the
// domain's side channel.
func (s *Service) SelectChannel(ctx context.Context, domainID uint64, size uint64) (bool, error) {
	d, err := s.domains.GetDomain(ctx, domainID)
	if err != nil {
		return false, err
	}
	return s.UseSideChannel(d, size), nil
}

// UseSideChannel is SelectChannel for an already loaded domain.
func (s *Service) UseSideChannel(d relay.Domain, size uint64) bool {
	if !d.SideChannelEnabled {
		return false
	}
	s.mu.RLock()
	threshold := s.params.EffectiveThreshold()
	s.mu.RUnlock()
	return size > threshold
}

// EstimateCost prices a payload on both channels of a domain.
func (s *Service) EstimateCost(ctx context.Context, domainID uint64, size uint64, useSideChannel bool) (Estimate, error) {
	d, err := s.domains.GetDomain(ctx, domainID)
	if err != nil {
		return Estimate{}, err
	}
	return s.Estimate(d, size, useSideChannel)
}

// Estimate is EstimateCost for an already loaded domain.
func (s *Service) Estimate(d relay.Domain, size uint64, useSideChannel bool) (Estimate, error) {
	if useSideChannel && !d.SideChannelEnabled {
		return Estimate{}, errors.ErrChannelNotSupported.WithDetails("domain_id", d.ID)
	}

	s.mu.RLock()
	p := s.params
	multiplier, ok := p.FamilyMultiplierBps[d.Family]
	s.mu.RUnlock()
	if !ok {
		multiplier = BasisPoints
	}
	speed := speedBps(p, d.ConfirmationSeconds())

	est := Estimate{
		DomainID:               d.ID,
		PayloadSize:            size,
		Channel:                relay.ChannelFor(useSideChannel),
		NativeUnitsInline:      native(p.InlineBaseFee, p.InlineFeePerByte, size, p.GasPriceWei, multiplier, speed),
		NativeUnitsSideChannel: new(big.Int),
		SpeedBps:               speed,
		MultiplierBps:          multiplier,
	}
	if d.SideChannelEnabled {
		est.NativeUnitsSideChannel = native(p.SideChannelBaseFee, p.SideChannelFeePerByte, size, p.GasPriceWei, multiplier, speed)
	}

	usd := new(big.Int).Mul(est.Selected(), big.NewInt(d.NativeUSDPrice))
	est.USDCostE8 = usd.Quo(usd, weiPerUnit)
	return est, nil
}

// speedBps charges domains that confirm faster than the fast threshold
// proportionally more, capped at MaxSpeedBps.
func speedBps(p Params, confirmation uint64) uint64 {
	if confirmation >= p.FastConfirmationSeconds {
		return BasisPoints
	}
	if confirmation == 0 {
		return p.MaxSpeedBps
	}
	speed := BasisPoints * p.FastConfirmationSeconds / confirmation
	if speed > p.MaxSpeedBps {
		return p.MaxSpeedBps
	}
	return speed
}

// native = (base + size*perByte) * gasPrice * multiplier/10000 * speed/10000
func native(base, perByte, size, gasPrice, multiplierBps, speed uint64) *big.Int {
	units := new(big.Int).Mul(new(big.Int).SetUint64(size), new(big.Int).SetUint64(perByte))
	units.Add(units, new(big.Int).SetUint64(base))
	units.Mul(units, new(big.Int).SetUint64(gasPrice))
	units.Mul(units, new(big.Int).SetUint64(multiplierBps))
	units.Mul(units, new(big.Int).SetUint64(speed))
	return units.Quo(units, new(big.Int).Mul(bigBps, bigBps))
}
