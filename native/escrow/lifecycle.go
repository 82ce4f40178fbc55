package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Milestone lifecycle: the submit/approve/reject/resubmit/dispute protocol
// operating on one milestone at a time within an in-progress escrow.
//
// submit/resubmit are beneficiary-gated because only the worker attests
// completion; approve/reject/dispute are depositor-gated because the payer
// must certify acceptance. Money moves on approve only: rejection is
// reversible via resubmit and moves no funds.

// Submit marks a not-started milestone as delivered. A non-empty note
// replaces the milestone description.
func (e *Engine) Submit(id uint64, index int, note string, caller [20]byte) error {
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
	if caller != esc.Beneficiary {
		return ErrNotAuthorized
	}
	if esc.Status != StatusInProgress || ms.Status != MilestoneNotStarted {
		return ErrInvalidState
	}
	now := e.now()
	ms.Status = MilestoneSubmitted
	ms.SubmittedAt = now
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		ms.Description = trimmed
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newMilestoneEvent(EventTypeMilestoneSubmitted, esc, index, caller, now))
	return nil
}

// Approve accepts a submitted milestone and settles it: the milestone amount
// transfers to the beneficiary, leaves custody, and accrues to the paid
// total. Approval is irreversible. When the paid total reaches the escrow
// total the escrow is released.
func (e *Engine) Approve(id uint64, index int, caller [20]byte) error {
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
	if caller != esc.Depositor {
		return ErrNotAuthorized
	}
	if esc.Status != StatusInProgress || ms.Status != MilestoneSubmitted {
		return ErrInvalidState
	}
	newPaid := new(big.Int).Add(esc.PaidAmount, ms.Amount)
	if newPaid.Cmp(esc.TotalAmount) > 0 {
		// Unreachable by construction: each milestone pays out at most once
		// and the amounts sum to the total. Checked before the transfer so
		// a trip moves no funds.
		return fmt.Errorf("%w on escrow %d", ErrOverflow, id)
	}
	if err := e.custody.TransferOut(esc.Unit, esc.Beneficiary, ms.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.CustodyDebit(esc.Unit, ms.Amount); err != nil {
		return err
	}
	now := e.now()
	ms.Status = MilestoneApproved
	ms.ApprovedAt = now
	esc.PaidAmount = newPaid
	// Equivalent to paid == total on the pure approval path; a previously
	// resolved milestone with a partial refund keeps the paid counter short
	// of the total forever, so completion is judged on milestone states.
	completed := milestonesSettled(esc)
	if completed {
		esc.Status = StatusReleased
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newMilestoneEvent(EventTypeMilestoneApproved, esc, index, caller, now))
	if completed {
		e.emit(newCompletedEvent(esc, caller, now))
		e.emit(newStatusChangedEvent(esc, caller, now))
	}
	e.claimReward(esc, index, caller, now)
	return nil
}

// Reject sends a submitted milestone back to the beneficiary with a reason.
// No funds move; the beneficiary may resubmit.
func (e *Engine) Reject(id uint64, index int, reason string, caller [20]byte) error {
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
	if caller != esc.Depositor {
		return ErrNotAuthorized
	}
	if esc.Status != StatusInProgress || ms.Status != MilestoneSubmitted {
		return ErrInvalidState
	}
	now := e.now()
	ms.Status = MilestoneRejected
	ms.RejectedAt = now
	ms.RejectReason = strings.TrimSpace(reason)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newMilestoneEvent(EventTypeMilestoneRejected, esc, index, caller, now))
	return nil
}

// Resubmit returns a rejected milestone to the submitted state, optionally
// replacing the description, and restarts the dispute window.
func (e *Engine) Resubmit(id uint64, index int, note string, caller [20]byte) error {
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
	if caller != esc.Beneficiary {
		return ErrNotAuthorized
	}
	if esc.Status != StatusInProgress || ms.Status != MilestoneRejected {
		return ErrInvalidState
	}
	now := e.now()
	ms.Status = MilestoneSubmitted
	ms.SubmittedAt = now
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		ms.Description = trimmed
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newMilestoneEvent(EventTypeMilestoneResubmitted, esc, index, caller, now))
	return nil
}

// Dispute contests a submitted milestone within the dispute window. The
// window is a hard cutoff measured from submission; a depositor who misses it
// has implicitly accepted and must settle via approve. The whole escrow
// freezes until the dispute resolves.
func (e *Engine) Dispute(id uint64, index int, reason string, caller [20]byte) error {
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
	if caller != esc.Depositor {
		return ErrNotAuthorized
	}
	if esc.Status != StatusInProgress || ms.Status != MilestoneSubmitted {
		return ErrInvalidState
	}
	now := e.now()
	if now > ms.SubmittedAt+e.disputePeriod {
		return ErrWindowExpired
	}
	ms.Status = MilestoneDisputed
	ms.DisputedAt = now
	ms.DisputedBy = caller
	ms.DisputeReason = strings.TrimSpace(reason)
	esc.Status = StatusDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(newMilestoneEvent(EventTypeMilestoneDisputed, esc, index, caller, now))
	e.emit(newStatusChangedEvent(esc, caller, now))
	return nil
}
