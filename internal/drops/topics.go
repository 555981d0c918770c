package drops

const (
	TopicReservationLifecycle = "drop.reservation.lifecycle"
	TopicSaleFinalized        = "drop.sale.finalized"
)

// TopicFor routes an event type to its topic.
func TopicFor(eventType string) string {
	if eventType == EventSaleFinalized {
		return TopicSaleFinalized
	}
	return TopicReservationLifecycle
}

// Partition key = reservation_id, so every event of one hold keeps its order.
func PartitionKey(reservationID string) []byte { return []byte(reservationID) }
