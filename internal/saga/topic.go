package saga

// Topic is a broker destination. The set is closed: one forward and one
// compensation topic per participant plus the orchestrator's own topics.
type Topic string

const (
	TopicStartSaga     Topic = "start-saga"
	TopicOrchestrator  Topic = "orchestrator"
	TopicFinishSuccess Topic = "finish-success"
	TopicFinishFail    Topic = "finish-fail"

	TopicProductValidationSuccess Topic = "product-validation-success"
	TopicProductValidationFail    Topic = "product-validation-fail"
	TopicInventorySuccess         Topic = "inventory-success"
	TopicInventoryFail            Topic = "inventory-fail"
	TopicPaymentSuccess           Topic = "payment-success"
	TopicPaymentFail              Topic = "payment-fail"
)

var allTopics = []Topic{
	TopicStartSaga,
	TopicOrchestrator,
	TopicFinishSuccess,
	TopicFinishFail,
	TopicProductValidationSuccess,
	TopicProductValidationFail,
	TopicInventorySuccess,
	TopicInventoryFail,
	TopicPaymentSuccess,
	TopicPaymentFail,
}

// Topics returns every topic the saga uses.
func Topics() []Topic {
	out := make([]Topic, len(allTopics))
	copy(out, allTopics)
	return out
}

// Valid reports whether t belongs to the closed topic set.
func (t Topic) Valid() bool {
	for _, known := range allTopics {
		if t == known {
			return true
		}
	}
	return false
}

// ParticipantTopics holds the input topics of one participant.
type ParticipantTopics struct {
	Forward      Topic
	Compensation Topic
}

var participantTopics = map[Source]ParticipantTopics{
	SourceProductValidation: {Forward: TopicProductValidationSuccess, Compensation: TopicProductValidationFail},
	SourceInventory:         {Forward: TopicInventorySuccess, Compensation: TopicInventoryFail},
	SourcePayment:           {Forward: TopicPaymentSuccess, Compensation: TopicPaymentFail},
}

// TopicsFor returns the input topics of the participant named by source.
func TopicsFor(source Source) (ParticipantTopics, bool) {
	t, ok := participantTopics[source]
	return t, ok
}
