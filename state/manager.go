package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"escrowd/native/escrow"
	"escrowd/storage"
)

// Key layout. Records are JSON documents, counters are big-endian integers,
// monetary totals are decimal strings. Everything lives under a typed prefix
// so unrelated records can never collide.
const (
	escrowRecordPrefix      = "escrow/record/"
	escrowSequenceKey       = "escrow/seq"
	escrowFingerprintPrefix = "escrow/fingerprint/"
	custodyTotalPrefix      = "custody/total/"
	feesOwedPrefix          = "fees/owed/"
	accountBalancePrefix    = "balance/"
)

// Manager is the persistence layer of the settlement ledger: a keyed table of
// escrow records, the escrow ID sequence, and the per-unit custody and fee
// counters, all over a storage.Database.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager on top of the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func escrowRecordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", escrowRecordPrefix, id))
}

func fingerprintKey(fp [32]byte) []byte {
	return []byte(escrowFingerprintPrefix + hex.EncodeToString(fp[:]))
}

func custodyTotalKey(unit string) []byte {
	return []byte(custodyTotalPrefix + unit)
}

func feesOwedKey(unit string) []byte {
	return []byte(feesOwedPrefix + unit)
}

// EscrowPut sanitizes and persists an escrow record. Sanitization re-checks
// the monetary invariants so a corrupted record never reaches disk.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(encodeEscrow(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(escrowRecordKey(sanitized.ID), encoded)
}

// EscrowGet loads an escrow record by identifier.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	raw, err := m.db.Get(escrowRecordKey(id))
	if err != nil {
		return nil, false
	}
	var stored storedEscrow
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	decoded, err := stored.decode()
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// NextEscrowID increments and returns the persisted escrow sequence. IDs are
// monotonically assigned starting at 1.
func (m *Manager) NextEscrowID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	raw, err := m.db.Get([]byte(escrowSequenceKey))
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("state: corrupted escrow sequence")
		}
		current = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return 0, err
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := m.db.Put([]byte(escrowSequenceKey), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowIDByFingerprint resolves a creation fingerprint to an existing escrow
// identifier, if one was indexed.
func (m *Manager) EscrowIDByFingerprint(fp [32]byte) (uint64, bool, error) {
	raw, err := m.db.Get(fingerprintKey(fp))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("state: corrupted fingerprint index")
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// EscrowIndexFingerprint records the creation fingerprint of a new escrow.
func (m *Manager) EscrowIndexFingerprint(fp [32]byte, id uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return m.db.Put(fingerprintKey(fp), buf)
}

func (m *Manager) readTotal(key []byte) (*big.Int, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupted total at %s", key)
	}
	return total, nil
}

func (m *Manager) writeTotal(key []byte, total *big.Int) error {
	return m.db.Put(key, []byte(total.String()))
}

func (m *Manager) adjustTotal(key []byte, delta *big.Int) error {
	if delta == nil || delta.Sign() < 0 {
		return fmt.Errorf("state: adjustment must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	total, err := m.readTotal(key)
	if err != nil {
		return err
	}
	total.Add(total, delta)
	return m.writeTotal(key, total)
}

// CustodyCredit adds to the running total of funds held in custody for a
// settlement unit.
func (m *Manager) CustodyCredit(unit string, amount *big.Int) error {
	return m.adjustTotal(custodyTotalKey(unit), amount)
}

// CustodyDebit subtracts from the custody total; it refuses to drive the
// counter negative.
func (m *Manager) CustodyDebit(unit string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: adjustment must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	total, err := m.readTotal(custodyTotalKey(unit))
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("state: custody counter underflow for %s", unit)
	}
	total.Sub(total, amount)
	return m.writeTotal(custodyTotalKey(unit), total)
}

// CustodyBalance returns the funds currently held in custody for a unit.
func (m *Manager) CustodyBalance(unit string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readTotal(custodyTotalKey(unit))
}

// FeesAccrue records platform fees charged at start-of-work, per unit.
func (m *Manager) FeesAccrue(unit string, amount *big.Int) error {
	return m.adjustTotal(feesOwedKey(unit), amount)
}

// FeesOwed returns the accumulated platform fees for a unit.
func (m *Manager) FeesOwed(unit string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readTotal(feesOwedKey(unit))
}

// storedEscrow is the JSON persistence shape: addresses hex-encoded, amounts
// as decimal strings so records stay grep-able in the raw store.
type storedEscrow struct {
	ID                    uint64            `json:"id"`
	Depositor             string            `json:"depositor"`
	Beneficiary           string            `json:"beneficiary,omitempty"`
	Unit                  string            `json:"unit"`
	TotalAmount           string            `json:"totalAmount"`
	PaidAmount            string            `json:"paidAmount"`
	PlatformFee           string            `json:"platformFee"`
	Arbiters              []string          `json:"arbiters"`
	RequiredConfirmations uint32            `json:"requiredConfirmations"`
	WorkStarted           bool              `json:"workStarted"`
	Deadline              int64             `json:"deadline"`
	CreatedAt             int64             `json:"createdAt"`
	Status                uint8             `json:"status"`
	Milestones            []storedMilestone `json:"milestones"`
}

type storedMilestone struct {
	Description       string `json:"description"`
	Amount            string `json:"amount"`
	Status            uint8  `json:"status"`
	SubmittedAt       int64  `json:"submittedAt,omitempty"`
	ApprovedAt        int64  `json:"approvedAt,omitempty"`
	RejectedAt        int64  `json:"rejectedAt,omitempty"`
	RejectReason      string `json:"rejectReason,omitempty"`
	DisputedAt        int64  `json:"disputedAt,omitempty"`
	DisputedBy        string `json:"disputedBy,omitempty"`
	DisputeReason     string `json:"disputeReason,omitempty"`
	ResolvedAt        int64  `json:"resolvedAt,omitempty"`
	ResolutionReason  string `json:"resolutionReason,omitempty"`
	ResolvedOutcome   uint8  `json:"resolvedOutcome,omitempty"`
	BeneficiaryPayout string `json:"beneficiaryPayout,omitempty"`
}

func encodeAddress(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddress(encoded string) ([20]byte, error) {
	var addr [20]byte
	if encoded == "" {
		return addr, nil
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != 20 {
		return addr, fmt.Errorf("state: invalid stored address %q", encoded)
	}
	copy(addr[:], raw)
	return addr, nil
}

func decodeAmount(encoded string) (*big.Int, error) {
	if encoded == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(encoded, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid stored amount %q", encoded)
	}
	return amount, nil
}

func encodeEscrow(e *escrow.Escrow) storedEscrow {
	stored := storedEscrow{
		ID:                    e.ID,
		Depositor:             encodeAddress(e.Depositor),
		Unit:                  e.Unit,
		TotalAmount:           e.TotalAmount.String(),
		PaidAmount:            e.PaidAmount.String(),
		PlatformFee:           e.PlatformFee.String(),
		RequiredConfirmations: e.RequiredConfirmations,
		WorkStarted:           e.WorkStarted,
		Deadline:              e.Deadline,
		CreatedAt:             e.CreatedAt,
		Status:                uint8(e.Status),
	}
	if e.HasBeneficiary() {
		stored.Beneficiary = encodeAddress(e.Beneficiary)
	}
	for _, arb := range e.Arbiters {
		stored.Arbiters = append(stored.Arbiters, encodeAddress(arb))
	}
	for _, ms := range e.Milestones {
		encoded := storedMilestone{
			Description:      ms.Description,
			Amount:           ms.Amount.String(),
			Status:           uint8(ms.Status),
			SubmittedAt:      ms.SubmittedAt,
			ApprovedAt:       ms.ApprovedAt,
			RejectedAt:       ms.RejectedAt,
			RejectReason:     ms.RejectReason,
			DisputedAt:       ms.DisputedAt,
			DisputeReason:    ms.DisputeReason,
			ResolvedAt:       ms.ResolvedAt,
			ResolutionReason: ms.ResolutionReason,
			ResolvedOutcome:  uint8(ms.ResolvedOutcome),
		}
		if ms.DisputedBy != ([20]byte{}) {
			encoded.DisputedBy = encodeAddress(ms.DisputedBy)
		}
		if ms.BeneficiaryPayout != nil {
			encoded.BeneficiaryPayout = ms.BeneficiaryPayout.String()
		}
		stored.Milestones = append(stored.Milestones, encoded)
	}
	return stored
}

func (s *storedEscrow) decode() (*escrow.Escrow, error) {
	depositor, err := decodeAddress(s.Depositor)
	if err != nil {
		return nil, err
	}
	beneficiary, err := decodeAddress(s.Beneficiary)
	if err != nil {
		return nil, err
	}
	total, err := decodeAmount(s.TotalAmount)
	if err != nil {
		return nil, err
	}
	paid, err := decodeAmount(s.PaidAmount)
	if err != nil {
		return nil, err
	}
	fee, err := decodeAmount(s.PlatformFee)
	if err != nil {
		return nil, err
	}
	decoded := &escrow.Escrow{
		ID:                    s.ID,
		Depositor:             depositor,
		Beneficiary:           beneficiary,
		Unit:                  s.Unit,
		TotalAmount:           total,
		PaidAmount:            paid,
		PlatformFee:           fee,
		RequiredConfirmations: s.RequiredConfirmations,
		WorkStarted:           s.WorkStarted,
		Deadline:              s.Deadline,
		CreatedAt:             s.CreatedAt,
		Status:                escrow.EscrowStatus(s.Status),
	}
	for _, encoded := range s.Arbiters {
		arb, err := decodeAddress(encoded)
		if err != nil {
			return nil, err
		}
		decoded.Arbiters = append(decoded.Arbiters, arb)
	}
	for _, encoded := range s.Milestones {
		amount, err := decodeAmount(encoded.Amount)
		if err != nil {
			return nil, err
		}
		disputedBy, err := decodeAddress(encoded.DisputedBy)
		if err != nil {
			return nil, err
		}
		ms := &escrow.Milestone{
			Description:      encoded.Description,
			Amount:           amount,
			Status:           escrow.MilestoneStatus(encoded.Status),
			SubmittedAt:      encoded.SubmittedAt,
			ApprovedAt:       encoded.ApprovedAt,
			RejectedAt:       encoded.RejectedAt,
			RejectReason:     encoded.RejectReason,
			DisputedAt:       encoded.DisputedAt,
			DisputedBy:       disputedBy,
			DisputeReason:    encoded.DisputeReason,
			ResolvedAt:       encoded.ResolvedAt,
			ResolutionReason: encoded.ResolutionReason,
			ResolvedOutcome:  escrow.Outcome(encoded.ResolvedOutcome),
		}
		if encoded.BeneficiaryPayout != "" {
			payout, err := decodeAmount(encoded.BeneficiaryPayout)
			if err != nil {
				return nil, err
			}
			ms.BeneficiaryPayout = payout
		}
		decoded.Milestones = append(decoded.Milestones, ms)
	}
	return escrow.SanitizeEscrow(decoded)
}
