package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// EscrowStatus is the coarse lifecycle state of a funded engagement.
type EscrowStatus uint8

const (
	// StatusPending marks escrows that are funded but whose work has not
	// started yet. The beneficiary slot may still be an unassigned
	// placeholder while marketplace matching runs outside this core.
	StatusPending EscrowStatus = iota
	// StatusInProgress marks escrows with work underway; milestone
	// submissions and approvals are only legal in this state.
	StatusInProgress
	// StatusDisputed marks escrows frozen by an open milestone dispute.
	StatusDisputed
	// StatusReleased marks escrows whose full total has been paid out.
	// Terminal; the record is retained for audit.
	StatusReleased
	// StatusCancelled is reserved for engagements voided before funding
	// settles. The engine never produces it; it exists so stored records
	// from adjacent systems remain decodable.
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	return s <= StatusCancelled
}

func (s EscrowStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusDisputed:
		return "disputed"
	case StatusReleased:
		return "released"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MilestoneStatus is the fine-grained state of a single unit of work.
type MilestoneStatus uint8

const (
	MilestoneNotStarted MilestoneStatus = iota
	MilestoneSubmitted
	MilestoneApproved
	MilestoneRejected
	MilestoneDisputed
	MilestoneResolved
)

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	return s <= MilestoneResolved
}

func (s MilestoneStatus) String() string {
	switch s {
	case MilestoneNotStarted:
		return "not_started"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneApproved:
		return "approved"
	case MilestoneRejected:
		return "rejected"
	case MilestoneDisputed:
		return "disputed"
	case MilestoneResolved:
		return "resolved"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Outcome records which party a dispute resolution favoured: whoever took
// the larger share of the milestone amount. An even split is a tie.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeBeneficiary
	OutcomeDepositor
	OutcomeSplit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBeneficiary:
		return "beneficiary"
	case OutcomeDepositor:
		return "depositor"
	case OutcomeSplit:
		return "split"
	default:
		return "none"
	}
}

const (
	// MaxArbiters bounds the configured arbiter set per escrow.
	MaxArbiters = 5
	// MaxFeeBps caps the platform fee at 100%.
	MaxFeeBps = 10_000
)

var zeroAddress [20]byte

// Milestone is one payable unit of work inside an escrow, addressed by its
// index within the parent's fixed-size milestone array.
type Milestone struct {
	Description       string
	Amount            *big.Int
	Status            MilestoneStatus
	SubmittedAt       int64
	ApprovedAt        int64
	RejectedAt        int64
	RejectReason      string
	DisputedAt        int64
	DisputedBy        [20]byte
	DisputeReason     string
	ResolvedAt        int64
	ResolutionReason  string
	ResolvedOutcome   Outcome
	BeneficiaryPayout *big.Int
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored instance.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if m.BeneficiaryPayout != nil {
		clone.BeneficiaryPayout = new(big.Int).Set(m.BeneficiaryPayout)
	}
	return &clone
}

// Validate ensures the milestone definition is sane prior to persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("escrow: milestone must not be nil")
	}
	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("escrow: milestone description required")
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("escrow: milestone amount must be positive")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("escrow: invalid milestone status %d", m.Status)
	}
	return nil
}

// Escrow is one funded engagement between a depositor and a beneficiary. The
// ledger is the only writer of Status, PaidAmount and the custody counters;
// everything else is fixed at creation.
type Escrow struct {
	ID                    uint64
	Depositor             [20]byte
	Beneficiary           [20]byte
	Unit                  string
	TotalAmount           *big.Int
	PaidAmount            *big.Int
	PlatformFee           *big.Int
	Arbiters              [][20]byte
	RequiredConfirmations uint32
	WorkStarted           bool
	Deadline              int64
	CreatedAt             int64
	Status                EscrowStatus
	Milestones            []*Milestone
}

// Clone returns a deep copy of the escrow record.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.TotalAmount = cloneBigInt(e.TotalAmount)
	clone.PaidAmount = cloneBigInt(e.PaidAmount)
	clone.PlatformFee = cloneBigInt(e.PlatformFee)
	if len(e.Arbiters) > 0 {
		clone.Arbiters = make([][20]byte, len(e.Arbiters))
		copy(clone.Arbiters, e.Arbiters)
	}
	if len(e.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(e.Milestones))
		for i, ms := range e.Milestones {
			clone.Milestones[i] = ms.Clone()
		}
	}
	return &clone
}

// HasBeneficiary reports whether the beneficiary slot has been filled in.
func (e *Escrow) HasBeneficiary() bool {
	return e != nil && e.Beneficiary != zeroAddress
}

// IsArbiter reports whether addr is in the configured arbiter set.
func (e *Escrow) IsArbiter(addr [20]byte) bool {
	if e == nil {
		return false
	}
	for _, a := range e.Arbiters {
		if a == addr {
			return true
		}
	}
	return false
}

// IsParticipant reports whether addr is recognized on this escrow: the
// depositor, the beneficiary, or a configured arbiter.
func (e *Escrow) IsParticipant(addr [20]byte) bool {
	if e == nil || addr == zeroAddress {
		return false
	}
	return addr == e.Depositor || addr == e.Beneficiary || e.IsArbiter(addr)
}

// Milestone returns the milestone at index, or ErrMilestoneNotFound when the
// index is out of range.
func (e *Escrow) Milestone(index int) (*Milestone, error) {
	if e == nil || index < 0 || index >= len(e.Milestones) {
		return nil, ErrMilestoneNotFound
	}
	return e.Milestones[index], nil
}

// NormalizeUnit canonicalizes a settlement-unit symbol: trimmed, uppercase,
// 1-16 characters drawn from A-Z and 0-9.
func NormalizeUnit(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" || len(trimmed) > 16 {
		return "", fmt.Errorf("escrow: invalid settlement unit %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("escrow: invalid settlement unit %q", symbol)
		}
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises an escrow record, returning a cloned
// instance with canonical unit casing and non-nil amount fields. The monetary
// invariants are enforced here so a corrupted record can never round-trip
// through storage unnoticed.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	clone := e.Clone()
	unit, err := NormalizeUnit(clone.Unit)
	if err != nil {
		return nil, err
	}
	clone.Unit = unit
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	if clone.TotalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: total amount must be positive")
	}
	if clone.PaidAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: paid amount must be non-negative")
	}
	if clone.PaidAmount.Cmp(clone.TotalAmount) > 0 {
		return nil, fmt.Errorf("escrow: paid amount exceeds total")
	}
	if clone.PlatformFee.Sign() < 0 {
		return nil, fmt.Errorf("escrow: platform fee must be non-negative")
	}
	if len(clone.Arbiters) == 0 || len(clone.Arbiters) > MaxArbiters {
		return nil, fmt.Errorf("escrow: arbiter count must be between 1 and %d", MaxArbiters)
	}
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("escrow: at least one milestone required")
	}
	sum := big.NewInt(0)
	for _, ms := range clone.Milestones {
		if err := ms.Validate(); err != nil {
			return nil, err
		}
		sum.Add(sum, ms.Amount)
	}
	if sum.Cmp(clone.TotalAmount) != 0 {
		return nil, fmt.Errorf("escrow: milestone amounts do not sum to total")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
