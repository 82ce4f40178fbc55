package escrow

// RewardHook is the optional post-commit side channel fired after a milestone
// settles through Approve, e.g. a loyalty or reputation credit living outside
// this core. It runs after the escrow state transition has committed and its
// failure never rolls that transition back; the error is reported through a
// dedicated reward_claim_failed event instead of the operation's error path.
type RewardHook interface {
	MilestoneApproved(esc *Escrow, index int) error
}

func (e *Engine) claimReward(esc *Escrow, index int, actor [20]byte, ts int64) {
	if e == nil || e.rewards == nil {
		return
	}
	if err := e.rewards.MilestoneApproved(esc.Clone(), index); err != nil {
		e.emit(newRewardClaimFailedEvent(esc, index, actor, ts, err))
	}
}
