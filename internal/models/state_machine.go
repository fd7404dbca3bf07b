package models

import (
	"fmt"
	"time"
)

// OrderStatus represents the lifecycle state of a broker order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderAccepted        OrderStatus = "accepted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is absorbing: once reached, no
// further transitions are permitted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// OrderTransition defines a valid order status transition.
type OrderTransition struct {
	From        OrderStatus
	To          OrderStatus
	Condition   string
	Description string
}

// ValidOrderTransitions enumerates every permitted order status change.
// Terminal states have no outgoing edges.
var ValidOrderTransitions = []OrderTransition{
	// Acceptance
	{OrderNew, OrderAccepted, "broker_ack", "Broker acknowledged the order"},
	{OrderNew, OrderRejected, "broker_reject", "Broker rejected the order at submission"},

	// Fills
	{OrderNew, OrderFilled, "immediate_fill", "Order filled before an explicit ack was observed"},
	{OrderNew, OrderPartiallyFilled, "immediate_partial", "Partial fill before an explicit ack was observed"},
	{OrderAccepted, OrderPartiallyFilled, "partial_fill", "First partial execution reported"},
	{OrderAccepted, OrderFilled, "full_fill", "Order filled in full"},
	{OrderPartiallyFilled, OrderPartiallyFilled, "partial_fill", "Additional partial execution reported"},
	{OrderPartiallyFilled, OrderFilled, "full_fill", "Remaining quantity executed"},

	// Cancellation and expiry
	{OrderNew, OrderCanceled, "cancel_ack", "Cancel acknowledged before acceptance"},
	{OrderAccepted, OrderCanceled, "cancel_ack", "Working order canceled"},
	{OrderPartiallyFilled, OrderCanceled, "cancel_ack", "Order canceled with partial executions standing"},
	{OrderAccepted, OrderExpired, "session_end", "Order expired at end of its time in force"},
	{OrderPartiallyFilled, OrderExpired, "session_end", "Partially filled order expired"},
	{OrderAccepted, OrderRejected, "broker_reject", "Broker rejected a working order"},
}

// OrderStateMachine tracks and validates an order's status progression.
type OrderStateMachine struct {
	current         OrderStatus
	previous        OrderStatus
	transitionTime  time.Time
	transitionCount map[OrderStatus]int
}

// NewOrderStateMachine creates a state machine starting at OrderNew.
func NewOrderStateMachine() *OrderStateMachine {
	return &OrderStateMachine{
		current:         OrderNew,
		previous:        OrderNew,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[OrderStatus]int),
	}
}

// Current returns the current status.
func (sm *OrderStateMachine) Current() OrderStatus { return sm.current }

// Previous returns the status before the most recent transition.
func (sm *OrderStateMachine) Previous() OrderStatus { return sm.previous }

// IsValidTransition checks whether moving to the given status under the
// given condition is permitted from the current status.
func (sm *OrderStateMachine) IsValidTransition(to OrderStatus, condition string) error {
	if sm.current.Terminal() {
		return fmt.Errorf("order in terminal state %s: no transition to %s allowed", sm.current, to)
	}
	for _, tr := range ValidOrderTransitions {
		if tr.From == sm.current && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid order transition from %s to %s with condition %q",
		sm.current, to, condition)
}

// Transition moves the machine to a new status after validating the edge.
func (sm *OrderStateMachine) Transition(to OrderStatus, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previous = sm.current
	sm.current = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the machine has entered a status.
func (sm *OrderStateMachine) TransitionCount(status OrderStatus) int {
	return sm.transitionCount[status]
}

// LastTransitionAt returns when the most recent transition occurred.
func (sm *OrderStateMachine) LastTransitionAt() time.Time { return sm.transitionTime }

// ApplyBrokerStatus maps a status observed from the broker onto a machine
// transition, inferring the condition from the target status. Observing
// the same non-terminal status twice is a no-op except for
// partially_filled, which may repeat as executions accumulate.
func (sm *OrderStateMachine) ApplyBrokerStatus(observed OrderStatus) error {
	if observed == sm.current && observed != OrderPartiallyFilled {
		return nil
	}
	condition := ""
	switch observed {
	case OrderAccepted:
		condition = "broker_ack"
	case OrderPartiallyFilled:
		if sm.current == OrderNew {
			condition = "immediate_partial"
		} else {
			condition = "partial_fill"
		}
	case OrderFilled:
		if sm.current == OrderNew {
			condition = "immediate_fill"
		} else {
			condition = "full_fill"
		}
	case OrderCanceled:
		condition = "cancel_ack"
	case OrderRejected:
		condition = "broker_reject"
	case OrderExpired:
		condition = "session_end"
	default:
		return fmt.Errorf("unknown broker order status %q", observed)
	}
	return sm.Transition(observed, condition)
}
