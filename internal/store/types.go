package store

// Receipt statuses.
const (
	ReceiptQueued = "queued"
	ReceiptFailed = "failed"
)

// Receipt is a read receipt waiting to be delivered to the REST API.
type Receipt struct {
	ID           int64
	UserID       string
	Kind         string // notification_read, notifications_all_read, message_read, conversation_read
	TargetID     string
	Status       string // queued, failed
	Attempts     int
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}
