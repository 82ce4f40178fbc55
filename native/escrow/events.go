package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowd/core/events"
)

// Domain events, one per state transition. Attribute payloads are
// string-encoded so subscribers never import engine types.
const (
	EventTypeCreated              = "escrow.created"
	EventTypeBeneficiaryAssigned  = "escrow.beneficiary_assigned"
	EventTypeWorkStarted          = "escrow.work_started"
	EventTypeMilestoneSubmitted   = "escrow.milestone_submitted"
	EventTypeMilestoneApproved    = "escrow.milestone_approved"
	EventTypeMilestoneRejected    = "escrow.milestone_rejected"
	EventTypeMilestoneResubmitted = "escrow.milestone_resubmitted"
	EventTypeMilestoneDisputed    = "escrow.milestone_disputed"
	EventTypeDisputeResolved      = "escrow.dispute_resolved"
	EventTypeCompleted            = "escrow.completed"
	EventTypeStatusChanged        = "escrow.status_changed"
	EventTypeRewardClaimFailed    = "escrow.reward_claim_failed"
)

func baseAttributes(esc *Escrow, actor [20]byte, ts int64) map[string]string {
	attrs := map[string]string{
		"id":        strconv.FormatUint(esc.ID, 10),
		"depositor": hex.EncodeToString(esc.Depositor[:]),
		"unit":      esc.Unit,
		"total":     esc.TotalAmount.String(),
		"paid":      esc.PaidAmount.String(),
		"status":    esc.Status.String(),
		"actor":     hex.EncodeToString(actor[:]),
		"timestamp": strconv.FormatInt(ts, 10),
	}
	if esc.HasBeneficiary() {
		attrs["beneficiary"] = hex.EncodeToString(esc.Beneficiary[:])
	}
	return attrs
}

func newCreatedEvent(esc *Escrow, actor [20]byte, ts int64) *events.Event {
	attrs := baseAttributes(esc, actor, ts)
	attrs["platformFee"] = esc.PlatformFee.String()
	attrs["milestones"] = strconv.Itoa(len(esc.Milestones))
	return &events.Event{Type: EventTypeCreated, Attributes: attrs}
}

func newBeneficiaryAssignedEvent(esc *Escrow, actor [20]byte, ts int64) *events.Event {
	return &events.Event{Type: EventTypeBeneficiaryAssigned, Attributes: baseAttributes(esc, actor, ts)}
}

func newWorkStartedEvent(esc *Escrow, actor [20]byte, ts int64) *events.Event {
	attrs := baseAttributes(esc, actor, ts)
	attrs["platformFee"] = esc.PlatformFee.String()
	return &events.Event{Type: EventTypeWorkStarted, Attributes: attrs}
}

func newMilestoneEvent(eventType string, esc *Escrow, index int, actor [20]byte, ts int64) *events.Event {
	attrs := baseAttributes(esc, actor, ts)
	attrs["milestoneIndex"] = strconv.Itoa(index)
	if ms, err := esc.Milestone(index); err == nil {
		attrs["milestoneAmount"] = ms.Amount.String()
		attrs["milestoneStatus"] = ms.Status.String()
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}

func newResolvedEvent(esc *Escrow, index int, actor [20]byte, ts int64) *events.Event {
	evt := newMilestoneEvent(EventTypeDisputeResolved, esc, index, actor, ts)
	if ms, err := esc.Milestone(index); err == nil {
		evt.Attributes["payout"] = ms.BeneficiaryPayout.String()
		evt.Attributes["outcome"] = ms.ResolvedOutcome.String()
		if ms.ResolutionReason != "" {
			evt.Attributes["reason"] = ms.ResolutionReason
		}
	}
	return evt
}

func newCompletedEvent(esc *Escrow, actor [20]byte, ts int64) *events.Event {
	return &events.Event{Type: EventTypeCompleted, Attributes: baseAttributes(esc, actor, ts)}
}

func newStatusChangedEvent(esc *Escrow, actor [20]byte, ts int64) *events.Event {
	attrs := baseAttributes(esc, actor, ts)
	attrs["newStatus"] = esc.Status.String()
	return &events.Event{Type: EventTypeStatusChanged, Attributes: attrs}
}

func newRewardClaimFailedEvent(esc *Escrow, index int, actor [20]byte, ts int64, cause error) *events.Event {
	evt := newMilestoneEvent(EventTypeRewardClaimFailed, esc, index, actor, ts)
	if cause != nil {
		evt.Attributes["error"] = cause.Error()
	}
	return evt
}
