package lifecycle

import (
	"fmt"

	loopfsm "github.com/looplab/fsm"
)

// Status represents the lifecycle state of a tenant.
type Status string

const (
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusProvisioning        Status = "PROVISIONING"
	StatusActive              Status = "ACTIVE"
	StatusTrial               Status = "TRIAL"
	StatusSuspended           Status = "SUSPENDED"
	StatusDeactivated         Status = "DEACTIVATED"
	StatusMarkedForDeletion   Status = "MARKED_FOR_DELETION"
	StatusDeleted             Status = "DELETED"
	StatusProvisioningFailed  Status = "PROVISIONING_FAILED"
	StatusCreationFailed      Status = "CREATION_FAILED"
)

// All lists every defined status.
var All = []Status{
	StatusPendingVerification,
	StatusProvisioning,
	StatusActive,
	StatusTrial,
	StatusSuspended,
	StatusDeactivated,
	StatusMarkedForDeletion,
	StatusDeleted,
	StatusProvisioningFailed,
	StatusCreationFailed,
}

// transitions is the adjacency table of legal status changes. A status absent
// from the table (or mapped to an empty set) has no legal outgoing
// transitions. DELETED is terminal. The failure statuses keep a path back
// into provisioning and a path out to deletion so a tenant can never get
// stuck in them.
var transitions = map[Status][]Status{
	StatusPendingVerification: {StatusProvisioning, StatusDeactivated},
	StatusProvisioning:        {StatusActive, StatusTrial, StatusProvisioningFailed},
	StatusActive:              {StatusSuspended, StatusDeactivated, StatusMarkedForDeletion},
	StatusTrial:               {StatusActive, StatusSuspended, StatusDeactivated},
	StatusSuspended:           {StatusActive, StatusDeactivated, StatusMarkedForDeletion},
	StatusDeactivated:         {StatusActive, StatusMarkedForDeletion},
	StatusMarkedForDeletion:   {StatusDeleted, StatusDeactivated},
	StatusDeleted:             {},
	StatusProvisioningFailed:  {StatusProvisioning, StatusMarkedForDeletion},
	StatusCreationFailed:      {StatusProvisioning, StatusMarkedForDeletion},
}

// TransitionError is returned when a status transition is not allowed. It
// carries both ends of the attempted transition so operators can diagnose
// stuck tenants.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition from %q to %q is not allowed", e.From, e.To)
}

// events converts the adjacency table into looplab/fsm EventDesc format: one
// synthetic event per reachable target status, sourced from every status that
// may enter it.
var events = buildEvents()

func buildEvents() []loopfsm.EventDesc {
	srcsByTarget := make(map[Status][]string)
	order := make([]Status, 0)

	for _, src := range All {
		for _, dst := range transitions[src] {
			if _, seen := srcsByTarget[dst]; !seen {
				order = append(order, dst)
			}
			srcsByTarget[dst] = append(srcsByTarget[dst], string(src))
		}
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, dst := range order {
		out = append(out, loopfsm.EventDesc{
			Name: enterEvent(dst),
			Src:  srcsByTarget[dst],
			Dst:  string(dst),
		})
	}
	return out
}

func enterEvent(target Status) string {
	return "enter_" + string(target)
}

// CanTransition reports whether moving a tenant from current to target is
// legal. It is pure and total: unknown statuses and self transitions are
// rejected, never raised. looplab/fsm is stateful, so a short-lived machine
// is built per call, initialized with the current status.
func CanTransition(current, target Status) bool {
	if current == target {
		return false
	}
	machine := loopfsm.NewFSM(string(current), events, nil)
	return machine.Can(enterEvent(target))
}

// Transition validates the move from current to target and returns a
// *TransitionError identifying both statuses when it is illegal.
func Transition(current, target Status) error {
	if !CanTransition(current, target) {
		return &TransitionError{From: current, To: target}
	}
	return nil
}

// Successors returns the legal targets from the given status.
func Successors(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether the status has no legal outgoing transitions.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}
