package observability

import (
	"escrowd/core/events"
)

// MeteredEmitter decorates an emitter with settlement counters so fund
// movements surface in Prometheus without the engine importing metrics.
type MeteredEmitter struct {
	next events.Emitter
}

// NewMeteredEmitter wraps next. A nil next falls back to NoopEmitter.
func NewMeteredEmitter(next events.Emitter) *MeteredEmitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &MeteredEmitter{next: next}
}

func (m *MeteredEmitter) Emit(evt *events.Event) {
	if evt != nil {
		unit := evt.Attributes["unit"]
		switch evt.Type {
		case "escrow.created":
			Settlement().RecordTransfer(unit, "deposit")
		case "escrow.work_started":
			if fee, ok := evt.Attributes["platformFee"]; ok && fee != "" && fee != "0" {
				Settlement().RecordTransfer(unit, "fee")
			}
		case "escrow.milestone_approved":
			Settlement().RecordTransfer(unit, "payout")
		case "escrow.dispute_resolved":
			// The outcome names the larger-share winner, not which
			// transfers fired; classify from the amounts instead.
			payout := evt.Attributes["payout"]
			if payout != "" && payout != "0" {
				Settlement().RecordTransfer(unit, "payout")
			}
			if amount := evt.Attributes["milestoneAmount"]; amount != "" && payout != amount {
				Settlement().RecordTransfer(unit, "refund")
			}
		case "escrow.milestone_disputed":
			Settlement().RecordDispute(unit)
		}
	}
	m.next.Emit(evt)
}
