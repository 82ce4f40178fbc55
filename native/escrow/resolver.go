package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Resolve arbitrates a disputed milestone into a binary-split payout: the
// beneficiary receives beneficiaryAmount, the depositor is refunded the
// remainder. The refund is returned capital, not accepted work, so it never
// touches the paid total. This is the only path where custody funds leave an
// escrow without going through Approve; both transfers happen or the whole
// resolution aborts with nothing persisted.
//
// Any recognized participant may resolve: the depositor, the beneficiary, or
// a configured arbiter. The dispute lifts afterwards and the escrow resumes
// active work, or releases outright if this settled the last unpaid
// milestone.
func (e *Engine) Resolve(id uint64, index int, beneficiaryAmount *big.Int, reason string, caller [20]byte) error {
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
	ms, err := esc.Milestone(index)
	if err != nil {
		return err
	}
	if !esc.IsParticipant(caller) {
		return ErrNotAuthorized
	}
	if esc.Status != StatusDisputed || ms.Status != MilestoneDisputed {
		return ErrInvalidState
	}
	payout := cloneBigInt(beneficiaryAmount)
	if payout.Sign() < 0 {
		return fmt.Errorf("escrow: beneficiary amount must be non-negative")
	}
	if payout.Cmp(ms.Amount) > 0 {
		return ErrInvalidAllocation
	}
	refund := new(big.Int).Sub(ms.Amount, payout)
	newPaid := new(big.Int).Add(esc.PaidAmount, payout)
	if newPaid.Cmp(esc.TotalAmount) > 0 {
		// Unreachable when records pass sanitization; checked before any
		// transfer so a trip moves no funds.
		return fmt.Errorf("%w on escrow %d", ErrOverflow, id)
	}

	// The custody counter must cover the full milestone amount before any
	// transfer fires; otherwise a mid-resolution failure could strand a
	// half-paid split.
	held, err := e.state.CustodyBalance(esc.Unit)
	if err != nil {
		return err
	}
	if held.Cmp(ms.Amount) < 0 {
		return fmt.Errorf("%w: custody balance below disputed amount", ErrTransferFailed)
	}
	if payout.Sign() > 0 {
		if err := e.custody.TransferOut(esc.Unit, esc.Beneficiary, payout); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if refund.Sign() > 0 {
		if err := e.custody.TransferOut(esc.Unit, esc.Depositor, refund); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if err := e.state.CustodyDebit(esc.Unit, ms.Amount); err != nil {
		return err
	}

	now := e.now()
	ms.Status = MilestoneResolved
	ms.ResolvedAt = now
	ms.ResolutionReason = strings.TrimSpace(reason)
	ms.BeneficiaryPayout = new(big.Int).Set(payout)
	// The recorded winner is whoever took the larger share; an even split is
	// a tie.
	switch payout.Cmp(refund) {
	case 1:
		ms.ResolvedOutcome = OutcomeBeneficiary
	case -1:
		ms.ResolvedOutcome = OutcomeDepositor
	default:
		ms.ResolvedOutcome = OutcomeSplit
	}
	esc.PaidAmount = newPaid
	esc.Status = StatusInProgress
	completed := milestonesSettled(esc)
	if completed {
		esc.Status = StatusReleased
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newResolvedEvent(esc, index, caller, now))
	if completed {
		e.emit(newCompletedEvent(esc, caller, now))
	}
	e.emit(newStatusChangedEvent(esc, caller, now))
	return nil
}

// milestonesSettled reports whether every milestone has reached a terminal
// payout state. A resolution that refunded part of a milestone back to the
// depositor leaves PaidAmount short of TotalAmount forever, so completion is
// judged on milestone states rather than the paid counter alone.
func milestonesSettled(esc *Escrow) bool {
	if esc == nil {
		return false
	}
	for _, ms := range esc.Milestones {
		if ms == nil {
			return false
		}
		if ms.Status != MilestoneApproved && ms.Status != MilestoneResolved {
			return false
		}
	}
	return true
}
