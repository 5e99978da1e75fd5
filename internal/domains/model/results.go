package model

import "time"

// CheckOutcome reports whether a status check changed anything.
type CheckOutcome string

const (
	CheckUpdated   CheckOutcome = "updated"
	CheckUnchanged CheckOutcome = "unchanged"
)

// CheckResult is returned by a status check. ObservedAt is the server time of
// the observation and orders concurrent results for the same domain.
type CheckResult struct {
	Status     CheckOutcome `json:"status"`
	Message    string       `json:"message"`
	Domain     DomainView   `json:"domain"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Impact lists what removing a domain (or one of its bindings) would affect.
type Impact struct {
	AffectedBindings   []Binding   `json:"affected_bindings"`
	AffectedDependents []Dependent `json:"affected_dependents"`
	CanDeactivateOnly  bool        `json:"can_deactivate_only"`
}

// RemoveAction is what a removal request did.
type RemoveAction string

const (
	RemoveDeleted              RemoveAction = "removed"
	RemoveDeactivated          RemoveAction = "deactivated"
	RemoveRequiresConfirmation RemoveAction = "requires_confirmation"
)

// RemoveResult is returned by a removal request.
type RemoveResult struct {
	Action               RemoveAction `json:"action"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	Impact               Impact       `json:"impact"`
}
