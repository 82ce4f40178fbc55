package escrow

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func activeEscrow(t *testing.T, engine *Engine, clock *testClock) *Escrow {
	t.Helper()
	esc := mustCreate(t, engine, defaultParams(clock))
	mustStart(t, engine, esc.ID)
	return esc
}

func TestSubmitApproveReleasesEscrow(t *testing.T) {
	engine, state, custody, recorder, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)

	if err := engine.Submit(esc.ID, 0, "wireframes v1", beneficiary); err != nil {
		t.Fatalf("submit 0: %v", err)
	}
	if err := engine.Approve(esc.ID, 0, depositor); err != nil {
		t.Fatalf("approve 0: %v", err)
	}
	stored, err := engine.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PaidAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected paid 100, got %s", stored.PaidAmount)
	}
	if stored.Status != StatusInProgress {
		t.Fatalf("escrow must stay in progress, got %s", stored.Status)
	}
	if got := custody.balanceOf(beneficiary, testUnit); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected beneficiary to hold 100, got %s", got)
	}

	if err := engine.Submit(esc.ID, 1, "", beneficiary); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := engine.Approve(esc.ID, 1, depositor); err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	stored, _ = engine.GetEscrow(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released escrow, got %s", stored.Status)
	}
	if stored.PaidAmount.Cmp(stored.TotalAmount) != 0 {
		t.Fatalf("expected paid == total, got %s / %s", stored.PaidAmount, stored.TotalAmount)
	}
	if got, _ := state.CustodyBalance(testUnit); got.Sign() != 0 {
		t.Fatalf("expected drained custody counter, got %s", got)
	}

	var completed bool
	for _, evt := range recorder.Events() {
		if evt.Type == EventTypeCompleted {
			completed = true
		}
	}
	if !completed {
		t.Fatalf("expected escrow.completed event")
	}
}

func TestSubmitGates(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	esc := mustCreate(t, engine, defaultParams(clock))

	// Work has not started: escrow is still pending.
	if err := engine.Submit(esc.ID, 0, "", beneficiary); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before start, got %v", err)
	}
	mustStart(t, engine, esc.ID)

	if err := engine.Submit(esc.ID, 0, "", depositor); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("depositor must not submit, got %v", err)
	}
	if err := engine.Submit(esc.ID, 7, "", beneficiary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bad index, got %v", err)
	}
	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.Submit(esc.ID, 0, "", beneficiary); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double submit must fail, got %v", err)
	}
}

func TestApproveGates(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)

	if err := engine.Approve(esc.ID, 0, depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve before submit must fail, got %v", err)
	}
	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.Approve(esc.ID, 0, beneficiary); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("beneficiary must not approve, got %v", err)
	}
	if err := engine.Approve(esc.ID, 0, depositor); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.Approve(esc.ID, 0, depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double approve must fail, got %v", err)
	}
}

func TestApproveTransferFailureAborts(t *testing.T) {
	engine, state, custody, _, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)
	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}

	custody.transferErr = errors.New("adapter offline")
	if err := engine.Approve(esc.ID, 0, depositor); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stored, _ := engine.GetEscrow(esc.ID)
	if stored.PaidAmount.Sign() != 0 {
		t.Fatalf("paid counter mutated on failed transfer: %s", stored.PaidAmount)
	}
	ms, _ := stored.Milestone(0)
	if ms.Status != MilestoneSubmitted {
		t.Fatalf("milestone mutated on failed transfer: %s", ms.Status)
	}
	if got, _ := state.CustodyBalance(testUnit); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("custody counter mutated on failed transfer: %s", got)
	}

	custody.transferErr = nil
	if err := engine.Approve(esc.ID, 0, depositor); err != nil {
		t.Fatalf("retry after adapter recovery: %v", err)
	}
}

func TestApproveOverflowGuardMovesNoFunds(t *testing.T) {
	engine, state, custody, _, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)
	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Corrupt the stored record so the projected paid total overshoots.
	state.escrows[esc.ID].PaidAmount = big.NewInt(250)

	var transfers int
	custody.transferHook = func(string, [20]byte, *big.Int) { transfers++ }
	if err := engine.Approve(esc.ID, 0, depositor); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if transfers != 0 {
		t.Fatalf("funds moved before the overflow check tripped: %d transfers", transfers)
	}
}

func TestRejectAndResubmit(t *testing.T) {
	engine, _, custody, _, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)

	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.Reject(esc.ID, 0, "needs revision", beneficiary); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("beneficiary must not reject, got %v", err)
	}
	if err := engine.Reject(esc.ID, 0, "needs revision", depositor); err != nil {
		t.Fatalf("reject: %v", err)
	}
	ms, _ := engine.GetMilestone(esc.ID, 0)
	if ms.Status != MilestoneRejected || ms.RejectReason != "needs revision" {
		t.Fatalf("unexpected milestone after reject: %+v", ms)
	}
	if got := custody.balanceOf(beneficiary, testUnit); got.Sign() != 0 {
		t.Fatalf("rejection must not move funds, beneficiary holds %s", got)
	}

	if err := engine.Resubmit(esc.ID, 0, "fixed", depositor); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("depositor must not resubmit, got %v", err)
	}
	if err := engine.Resubmit(esc.ID, 0, "fixed", beneficiary); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	ms, _ = engine.GetMilestone(esc.ID, 0)
	if ms.Status != MilestoneSubmitted || ms.Description != "fixed" {
		t.Fatalf("unexpected milestone after resubmit: %+v", ms)
	}
	if err := engine.Approve(esc.ID, 0, depositor); err != nil {
		t.Fatalf("approve after resubmit: %v", err)
	}
}

func TestDisputeWindow(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	engine.SetDisputePeriod(48 * time.Hour)
	esc := activeEscrow(t, engine, clock)

	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Exactly at the cutoff the dispute still lands.
	clock.advance(48 * time.Hour)
	if err := engine.Dispute(esc.ID, 0, "incomplete", depositor); err != nil {
		t.Fatalf("dispute at window boundary: %v", err)
	}

	// One second past the cutoff it does not.
	if err := engine.Submit(esc.ID, 1, "", beneficiary); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submissions must be frozen while disputed, got %v", err)
	}
	if err := engine.Resolve(esc.ID, 0, big.NewInt(0), "redo", arbiter); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := engine.Submit(esc.ID, 1, "", beneficiary); err != nil {
		t.Fatalf("submit after resolution: %v", err)
	}
	clock.advance(48*time.Hour + time.Second)
	if err := engine.Dispute(esc.ID, 1, "too late", depositor); !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("expected ErrWindowExpired, got %v", err)
	}
}

func TestDisputeGates(t *testing.T) {
	engine, _, _, recorder, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)

	if err := engine.Dispute(esc.ID, 0, "early", depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute before submit must fail, got %v", err)
	}
	if err := engine.Submit(esc.ID, 0, "", beneficiary); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.Dispute(esc.ID, 0, "reason", beneficiary); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("beneficiary must not dispute, got %v", err)
	}
	if err := engine.Dispute(esc.ID, 0, "incomplete", depositor); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	stored, _ := engine.GetEscrow(esc.ID)
	if stored.Status != StatusDisputed {
		t.Fatalf("expected disputed escrow, got %s", stored.Status)
	}
	ms, _ := stored.Milestone(0)
	if ms.Status != MilestoneDisputed || ms.DisputedBy != depositor || ms.DisputeReason != "incomplete" {
		t.Fatalf("unexpected milestone after dispute: %+v", ms)
	}
	// Approvals freeze alongside submissions while the dispute is open.
	if err := engine.Approve(esc.ID, 0, depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve while disputed must fail, got %v", err)
	}

	var statusChanges int
	for _, evt := range recorder.Events() {
		if evt.Type == EventTypeStatusChanged {
			statusChanges++
		}
	}
	if statusChanges < 2 { // start_work and dispute both change coarse status
		t.Fatalf("expected status change events, got %d", statusChanges)
	}
}

func TestTerminalEscrowRejectsFurtherTransitions(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	esc := activeEscrow(t, engine, clock)

	for index := 0; index < 2; index++ {
		if err := engine.Submit(esc.ID, index, "", beneficiary); err != nil {
			t.Fatalf("submit %d: %v", index, err)
		}
		if err := engine.Approve(esc.ID, index, depositor); err != nil {
			t.Fatalf("approve %d: %v", index, err)
		}
	}
	stored, _ := engine.GetEscrow(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
	if err := engine.Approve(esc.ID, 0, depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve on released escrow must fail, got %v", err)
	}
	if err := engine.Reject(esc.ID, 0, "late", depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reject on released escrow must fail, got %v", err)
	}
	if err := engine.Dispute(esc.ID, 0, "late", depositor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute on released escrow must fail, got %v", err)
	}
}
