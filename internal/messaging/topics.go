package messaging

// Kafka topics owned by the checkout lifecycle.
const (
	// TopicOrderPaid carries fulfillment-ready events, keyed by order id.
	TopicOrderPaid = "order.paid"

	// TopicReconciliation carries callbacks that could not be applied
	// cleanly and need a human, keyed by checkout request id.
	TopicReconciliation = "payment.reconciliation"
)
