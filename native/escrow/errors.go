package escrow

import (
	"errors"
	"fmt"
)

// The engine returns typed errors so callers can map failures without parsing
// messages. Every precondition violation is detected before any mutation; no
// partial state is ever committed.
var (
	// ErrNotAuthorized marks operations invoked by the wrong caller.
	ErrNotAuthorized = errors.New("escrow: caller not authorized")
	// ErrInvalidState marks operations that are not legal in the current
	// escrow or milestone status.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrNotFound marks lookups with an unknown escrow identifier.
	ErrNotFound = errors.New("escrow: escrow not found")
	// ErrMilestoneNotFound marks milestone indexes outside the fixed array.
	ErrMilestoneNotFound = fmt.Errorf("%w: milestone index out of range", ErrNotFound)
	// ErrInvalidAllocation marks dispute resolutions whose beneficiary share
	// exceeds the disputed milestone amount.
	ErrInvalidAllocation = errors.New("escrow: resolution split exceeds milestone amount")
	// ErrTransferFailed wraps custody adapter failures; the triggering
	// operation aborts with custody counters untouched.
	ErrTransferFailed = errors.New("escrow: custody transfer failed")
	// ErrWindowExpired marks disputes raised after the dispute period
	// elapsed from submission.
	ErrWindowExpired = errors.New("escrow: dispute window expired")
	// ErrReentrant marks nested calls into an escrow whose execution guard
	// is already held, e.g. a transfer hook calling back into the ledger.
	ErrReentrant = errors.New("escrow: reentrant call rejected")
	// ErrOverflow marks an accumulated paid amount that would exceed the
	// escrow total. Unreachable when records pass sanitization.
	ErrOverflow = errors.New("escrow: paid amount exceeds total")
)
