package events

// Topic constants for domain events emitted by the billing desk.
const (
	TopicBillRegistered = "bill.registered"
	TopicBillSettled    = "bill.settled"
	TopicBillRefunded   = "bill.refunded"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicBillRegistered,
		TopicBillSettled,
		TopicBillRefunded,
	}
}
