package models

import "time"

// LockType names the governance gate a lock represents.
type LockType string

const (
	LockAcquisitionFreeze LockType = "acquisition_freeze"
	LockRefinanceBlock    LockType = "refinance_block"
	LockSaleHold          LockType = "sale_hold"
	LockDispositionBlock  LockType = "disposition_block"
)

// LockStatus is the lock lifecycle state; unlocked and expired are terminal.
type LockStatus string

const (
	LockLocked   LockStatus = "locked"
	LockUnlocked LockStatus = "unlocked"
	LockExpired  LockStatus = "expired"
)

// WorkflowLock blocks actions on a property until released. Owned 1:1 by an alert.
type WorkflowLock struct {
	ID             string
	PropertyID     string
	AlertID        string
	LockType       LockType
	Severity       Severity
	BlockedActions []Action
	Status         LockStatus
	LockedAt       time.Time
	LockedBy       string
	UnlockedAt     *time.Time
	UnlockedBy     string
	UnlockReason   string
	LockDuration   time.Duration
}

// Blocks reports whether the lock is active and covers action.
func (l WorkflowLock) Blocks(action Action) bool {
	if l.Status != LockLocked {
		return false
	}
	for _, a := range l.BlockedActions {
		if a == action {
			return true
		}
	}
	return false
}

// PropertyState is the derived per-property restriction aggregate.
type PropertyState struct {
	PropertyID           string
	HasActiveRestriction bool
	ActiveLockCount      int
	BlockedActions       []Action
	Version              int64
	UpdatedAt            time.Time
}
