package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilCustody  = errors.New("escrow engine: custody adapter not configured")
	errNilTreasury = errors.New("escrow engine: fee treasury not configured")
)

// DefaultDisputePeriod bounds how long after submission a depositor may
// contest a milestone.
const DefaultDisputePeriod = 7 * 24 * time.Hour

// createGuard is the execution-guard slot for Create. Escrow IDs start at 1,
// so slot 0 is free to serialize all creations: the fingerprint check, the
// deposit and the index write form one section, and a deposit hook
// re-entering Create fails fast instead of double-funding.
const createGuard uint64 = 0

// Custody is the funds-custody adapter the engine settles through. Both
// operations are all-or-nothing: on error the calling operation aborts with no
// ledger state mutated.
type Custody interface {
	Deposit(unit string, from [20]byte, amount *big.Int) error
	TransferOut(unit string, to [20]byte, amount *big.Int) error
}

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	NextEscrowID() (uint64, error)
	EscrowIDByFingerprint(fp [32]byte) (uint64, bool, error)
	EscrowIndexFingerprint(fp [32]byte, id uint64) error
	CustodyCredit(unit string, amount *big.Int) error
	CustodyDebit(unit string, amount *big.Int) error
	CustodyBalance(unit string) (*big.Int, error)
	FeesAccrue(unit string, amount *big.Int) error
}

// Engine owns the escrow ledger: it enforces escrow-level preconditions,
// drives milestone transitions, instructs the custody adapter, and is the
// single writer of status, paid totals and the per-unit custody counters.
//
// Operations are strictly serialized per escrow: an execution guard is held
// for the duration of every mutating call, and a nested call into the same
// escrow (e.g. a transfer hook re-entering the ledger) fails fast with
// ErrReentrant.
type Engine struct {
	state         engineState
	custody       Custody
	emitter       events.Emitter
	rewards       RewardHook
	feeTreasury   [20]byte
	disputePeriod int64
	nowFn         func() int64

	mu       sync.Mutex
	inflight map[uint64]struct{}
}

// NewEngine creates an engine with a no-op emitter, the default dispute
// period and the wall clock. Callers wire state, custody and the rest through
// the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:       events.NoopEmitter{},
		disputePeriod: int64(DefaultDisputePeriod / time.Second),
		nowFn:         func() int64 { return time.Now().Unix() },
		inflight:      make(map[uint64]struct{}),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody configures the funds custody adapter.
func (e *Engine) SetCustody(c Custody) { e.custody = c }

// SetFeeTreasury configures the address owed platform fees at start-of-work.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetDisputePeriod overrides the dispute window. Non-positive values restore
// the default.
func (e *Engine) SetDisputePeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultDisputePeriod
	}
	e.disputePeriod = int64(d / time.Second)
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetRewardHook configures the optional post-approval side channel. Hook
// failures never roll back settlements; they surface as reward_claim_failed
// events only.
func (e *Engine) SetRewardHook(hook RewardHook) { e.rewards = hook }

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// acquire takes the per-escrow execution guard. Held across any operation
// that can perform an external transfer so a reentrant callback cannot
// observe or mutate mid-operation state.
func (e *Engine) acquire(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inflight[id]; held {
		return ErrReentrant
	}
	e.inflight[id] = struct{}{}
	return nil
}

func (e *Engine) releaseGuard(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custody == nil {
		return errNilCustody
	}
	return nil
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// CreateParams bundles the definition of a new escrow. The beneficiary may be
// left as the zero address when marketplace matching has not picked a worker
// yet; AssignBeneficiary fills it in later.
type CreateParams struct {
	Depositor             [20]byte
	Beneficiary           [20]byte
	Unit                  string
	Milestones            []*Milestone
	FeeBps                uint32
	Arbiters              [][20]byte
	RequiredConfirmations uint32
	Deadline              int64
	Nonce                 uint64
}

// Create funds and persists a new escrow. The depositor's funds for the full
// milestone total plus the captured platform fee move into custody in the
// same atomic step that credits the per-unit custody counter; on custody
// failure nothing is persisted. Repeating a call with an identical definition
// and nonce returns the already-created escrow without depositing again.
func (e *Engine) Create(params CreateParams) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	unit, err := NormalizeUnit(params.Unit)
	if err != nil {
		return nil, err
	}
	if params.Depositor == zeroAddress {
		return nil, fmt.Errorf("escrow: depositor required")
	}
	if params.Beneficiary == params.Depositor {
		return nil, fmt.Errorf("escrow: depositor cannot be the beneficiary")
	}
	if len(params.Milestones) == 0 {
		return nil, fmt.Errorf("escrow: at least one milestone required")
	}
	if len(params.Arbiters) == 0 || len(params.Arbiters) > MaxArbiters {
		return nil, fmt.Errorf("escrow: arbiter count must be between 1 and %d", MaxArbiters)
	}
	if params.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("escrow: fee bps out of range")
	}
	now := e.now()
	if params.Deadline < now {
		return nil, fmt.Errorf("escrow: deadline before creation time")
	}
	total := big.NewInt(0)
	milestones := make([]*Milestone, len(params.Milestones))
	for i, ms := range params.Milestones {
		if err := ms.Validate(); err != nil {
			return nil, err
		}
		clone := ms.Clone()
		clone.Status = MilestoneNotStarted
		milestones[i] = clone
		total.Add(total, clone.Amount)
	}
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(params.FeeBps)))
	fee.Div(fee, big.NewInt(MaxFeeBps))

	if err := e.acquire(createGuard); err != nil {
		return nil, err
	}
	defer e.releaseGuard(createGuard)

	fp := createFingerprint(params, unit)
	if existingID, ok, err := e.state.EscrowIDByFingerprint(fp); err != nil {
		return nil, err
	} else if ok {
		existing, loadErr := e.loadEscrow(existingID)
		if loadErr != nil {
			return nil, loadErr
		}
		return existing, nil
	}

	deposit := new(big.Int).Add(total, fee)
	if err := e.custody.Deposit(unit, params.Depositor, deposit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.CustodyCredit(unit, deposit); err != nil {
		return nil, err
	}
	id, err := e.state.NextEscrowID()
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:                    id,
		Depositor:             params.Depositor,
		Beneficiary:           params.Beneficiary,
		Unit:                  unit,
		TotalAmount:           total,
		PaidAmount:            big.NewInt(0),
		PlatformFee:           fee,
		Arbiters:              append([][20]byte(nil), params.Arbiters...),
		RequiredConfirmations: params.RequiredConfirmations,
		Deadline:              params.Deadline,
		CreatedAt:             now,
		Status:                StatusPending,
		Milestones:            milestones,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexFingerprint(fp, id); err != nil {
		return nil, err
	}
	e.emit(newCreatedEvent(esc, params.Depositor, now))
	return esc.Clone(), nil
}

// AssignBeneficiary fills the placeholder beneficiary slot once matching has
// picked a worker. Only the depositor may assign, only while the escrow is
// still pending and the slot is empty.
func (e *Engine) AssignBeneficiary(id uint64, beneficiary, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.acquire(id); err != nil {
		return err
	}
	defer e.releaseGuard(id)

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Depositor {
		return ErrNotAuthorized
	}
	if esc.Status != StatusPending || esc.HasBeneficiary() {
		return ErrInvalidState
	}
	if beneficiary == zeroAddress || beneficiary == esc.Depositor {
		return fmt.Errorf("escrow: invalid beneficiary")
	}
	esc.Beneficiary = beneficiary
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newBeneficiaryAssignedEvent(esc, caller, e.now()))
	return nil
}

// StartWork flips a funded escrow into active work. Only the assigned
// beneficiary may start, and only once: a second call fails with
// ErrInvalidState. A nonzero platform fee captured at creation is charged to
// the treasury here, not before; fees are never owed on uncommitted work.
func (e *Engine) StartWork(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.acquire(id); err != nil {
		return err
	}
	defer e.releaseGuard(id)

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.HasBeneficiary() || caller != esc.Beneficiary {
		return ErrNotAuthorized
	}
	if esc.Status != StatusPending || esc.WorkStarted {
		return ErrInvalidState
	}
	if esc.PlatformFee.Sign() > 0 {
		if e.feeTreasury == zeroAddress {
			return errNilTreasury
		}
		if err := e.custody.TransferOut(esc.Unit, e.feeTreasury, esc.PlatformFee); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if err := e.state.CustodyDebit(esc.Unit, esc.PlatformFee); err != nil {
			return err
		}
		if err := e.state.FeesAccrue(esc.Unit, esc.PlatformFee); err != nil {
			return err
		}
	}
	esc.WorkStarted = true
	esc.Status = StatusInProgress
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	now := e.now()
	e.emit(newWorkStartedEvent(esc, caller, now))
	e.emit(newStatusChangedEvent(esc, caller, now))
	return nil
}

// GetEscrow returns a copy of the escrow record.
func (e *Engine) GetEscrow(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// GetMilestone returns a copy of one milestone.
func (e *Engine) GetMilestone(id uint64, index int) (*Milestone, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	ms, err := esc.Milestone(index)
	if err != nil {
		return nil, err
	}
	return ms.Clone(), nil
}

// Summary is the public-facing view of an escrow.
type Summary struct {
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
	MilestoneStatuses     []MilestoneStatus
}

// GetSummary returns the public tuple of escrow fields plus the per-milestone
// status vector.
func (e *Engine) GetSummary(id uint64) (*Summary, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	statuses := make([]MilestoneStatus, len(esc.Milestones))
	for i, ms := range esc.Milestones {
		statuses[i] = ms.Status
	}
	return &Summary{
		ID:                    esc.ID,
		Depositor:             esc.Depositor,
		Beneficiary:           esc.Beneficiary,
		Unit:                  esc.Unit,
		TotalAmount:           cloneBigInt(esc.TotalAmount),
		PaidAmount:            cloneBigInt(esc.PaidAmount),
		PlatformFee:           cloneBigInt(esc.PlatformFee),
		Arbiters:              append([][20]byte(nil), esc.Arbiters...),
		RequiredConfirmations: esc.RequiredConfirmations,
		WorkStarted:           esc.WorkStarted,
		Deadline:              esc.Deadline,
		CreatedAt:             esc.CreatedAt,
		Status:                esc.Status,
		MilestoneStatuses:     statuses,
	}, nil
}

// createFingerprint derives a deterministic identity for an escrow definition
// so repeated Create calls cannot double-fund the same engagement.
func createFingerprint(params CreateParams, unit string) [32]byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, params.Depositor[:]...)
	buf = append(buf, params.Beneficiary[:]...)
	buf = append(buf, []byte(unit)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(params.Deadline))
	buf = binary.BigEndian.AppendUint64(buf, params.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, params.FeeBps)
	for _, ms := range params.Milestones {
		digest := ethcrypto.Keccak256([]byte(ms.Description))
		buf = append(buf, digest...)
		if ms.Amount != nil {
			buf = append(buf, ms.Amount.Bytes()...)
		}
	}
	for _, arb := range params.Arbiters {
		buf = append(buf, arb[:]...)
	}
	return ethcrypto.Keccak256Hash(buf)
}
