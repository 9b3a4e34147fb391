package domain

import "time"

// JobUpdatesTopic is the single pub/sub topic for job state changes.
const JobUpdatesTopic = "job_updates"

// Event is the payload published on every job state change.
// Optional fields are pointers so that JSON omits them when absent.
type Event struct {
	JobID            string    `json:"job_id"`
	Status           JobStatus `json:"status"`
	Progress         *int      `json:"progress,omitempty"`
	Error            *string   `json:"error,omitempty"`
	SzuruPostID      *int      `json:"szuru_post_id,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	RetriesExhausted *bool     `json:"retries_exhausted,omitempty"`
	RetryCount       *int      `json:"retry_count,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// EventPublisher fans a job event out to all current subscribers.
// The bus provides no replay; authoritative state lives in the job store.
type EventPublisher interface {
	PublishJobUpdate(ctx Context, ev Event) error
}

// EventSubscriber yields a per-subscriber stream of job events.
// The returned cancel func releases the subscription on disconnect.
type EventSubscriber interface {
	SubscribeJobUpdates(ctx Context) (<-chan Event, func(), error)
}
