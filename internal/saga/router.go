package saga

import "fmt"

// Transition classifies a routing decision for logging and metrics.
type Transition int

const (
	// TransitionForwardSuccess moves the saga to the next participant.
	TransitionForwardSuccess Transition = iota + 1
	// TransitionBeginRollback asks the current participant to undo its own effect.
	TransitionBeginRollback
	// TransitionPropagateRollback sends the saga to the previous participant's compensation.
	TransitionPropagateRollback
)

func (t Transition) String() string {
	switch t {
	case TransitionForwardSuccess:
		return "forwardSuccess"
	case TransitionBeginRollback:
		return "beginRollback"
	case TransitionPropagateRollback:
		return "propagateRollback"
	default:
		return "unknown"
	}
}

// Classify maps a status to its transition. PENDING is only produced by the
// order step once the order exists, so it counts as a forward success.
func Classify(status Status) (Transition, bool) {
	switch status {
	case StatusSuccess, StatusPending:
		return TransitionForwardSuccess, true
	case StatusRollbackPending:
		return TransitionBeginRollback, true
	case StatusFail:
		return TransitionPropagateRollback, true
	default:
		return 0, false
	}
}

// Rule is one row of the routing table.
type Rule struct {
	Source Source
	Status Status
	Topic  Topic
}

// Route is the outcome of a routing lookup.
type Route struct {
	Topic      Topic
	Transition Transition
}

type routeKey struct {
	source Source
	status Status
}

// Router resolves the next topic of an event from its (source, status) pair.
// It is immutable after construction and safe for concurrent use.
type Router struct {
	routes map[routeKey]Route
}

// DefaultRules is the routing table of the order saga:
// ORDER → PRODUCT_VALIDATION → INVENTORY → PAYMENT, unwinding in reverse.
func DefaultRules() []Rule {
	return []Rule{
		{Source: SourceOrder, Status: StatusPending, Topic: TopicProductValidationSuccess},

		{Source: SourceProductValidation, Status: StatusSuccess, Topic: TopicInventorySuccess},
		{Source: SourceProductValidation, Status: StatusRollbackPending, Topic: TopicProductValidationFail},
		{Source: SourceProductValidation, Status: StatusFail, Topic: TopicFinishFail},

		{Source: SourceInventory, Status: StatusSuccess, Topic: TopicPaymentSuccess},
		{Source: SourceInventory, Status: StatusRollbackPending, Topic: TopicInventoryFail},
		{Source: SourceInventory, Status: StatusFail, Topic: TopicProductValidationFail},

		{Source: SourcePayment, Status: StatusSuccess, Topic: TopicFinishSuccess},
		{Source: SourcePayment, Status: StatusRollbackPending, Topic: TopicPaymentFail},
		{Source: SourcePayment, Status: StatusFail, Topic: TopicInventoryFail},
	}
}

// NewRouter validates the table and indexes it. A second row for the same
// (source, status) pair is rejected here rather than resolved at lookup time.
func NewRouter(rules []Rule) (*Router, error) {
	r := &Router{routes: make(map[routeKey]Route, len(rules))}
	for i, rule := range rules {
		if rule.Source == "" || rule.Status == "" {
			return nil, fmt.Errorf("routing rule %d: source and status are required", i)
		}
		if !rule.Topic.Valid() {
			return nil, fmt.Errorf("routing rule %d: unknown topic %q", i, rule.Topic)
		}
		transition, ok := Classify(rule.Status)
		if !ok {
			return nil, fmt.Errorf("routing rule %d: unknown status %q", i, rule.Status)
		}
		key := routeKey{source: rule.Source, status: rule.Status}
		if _, dup := r.routes[key]; dup {
			return nil, fmt.Errorf("routing rule %d: duplicate rule for source %s and status %s", i, rule.Source, rule.Status)
		}
		r.routes[key] = Route{Topic: rule.Topic, Transition: transition}
	}
	return r, nil
}

// MustNewRouter is NewRouter for tables fixed at compile time.
func MustNewRouter(rules []Rule) *Router {
	r, err := NewRouter(rules)
	if err != nil {
		panic(err)
	}
	return r
}

// NextTopic returns where the event must be published next.
func (r *Router) NextTopic(event Event) (Route, error) {
	if event.Source == "" || event.Status == "" {
		return Route{}, &RoutingError{Source: event.Source, Status: event.Status, Reason: "source and status must be informed"}
	}
	route, ok := r.routes[routeKey{source: event.Source, status: event.Status}]
	if !ok {
		return Route{}, &RoutingError{Source: event.Source, Status: event.Status, Reason: "topic not found"}
	}
	return route, nil
}
