package saga

import (
	"fmt"
	"time"
)

// Trace is the structured form of a routing decision, broadcast to dashboards.
type Trace struct {
	OrderID       string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	EventID       string    `json:"eventId"`
	Source        Source    `json:"source"`
	Status        Status    `json:"status"`
	Transition    string    `json:"transition"`
	NextTopic     Topic     `json:"nextTopic"`
	At            time.Time `json:"at"`
}

// NewTrace builds the trace of routing event to route.
func NewTrace(event Event, route Route, at time.Time) Trace {
	return Trace{
		OrderID:       event.OrderID,
		TransactionID: event.TransactionID,
		EventID:       event.ID,
		Source:        event.Source,
		Status:        event.Status,
		Transition:    route.Transition.String(),
		NextTopic:     route.Topic,
		At:            at,
	}
}

// TraceLine renders the human-readable saga line for a routing decision.
func TraceLine(event Event, route Route) string {
	var what string
	switch route.Transition {
	case TransitionForwardSuccess:
		what = string(event.Status)
	case TransitionBeginRollback:
		what = "SENDING TO ROLLBACK CURRENT SERVICE"
	case TransitionPropagateRollback:
		what = "SENDING TO ROLLBACK PREVIOUS SERVICE"
	}
	return fmt.Sprintf("CURRENT SAGA: %s | %s | NEXT TOPIC %s | %s", event.Source, what, route.Topic, event.LogID())
}
