package queue

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"
)

// JobPublisher publishes backup jobs behind a circuit breaker so a dead
// broker fails fast instead of stalling every scheduler tick.
type JobPublisher struct {
	publisher message.Publisher
	topic     string
	breaker   *gobreaker.CircuitBreaker[interface{}]

	mu     sync.RWMutex
	closed bool
}

// NewJobPublisher wraps a broker publisher for the jobs topic.
func NewJobPublisher(publisher message.Publisher, topic string) *JobPublisher {
	settings := gobreaker.Settings{
		Name:        "job-publisher",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &JobPublisher{
		publisher: publisher,
		topic:     topic,
		breaker:   gobreaker.NewCircuitBreaker[interface{}](settings),
	}
}

// PublishJob marshals and publishes a backup job. The job's UUID rides along
// as the message UUID, so redeliveries and duplicate publishes carry the same
// identity all the way to the worker.
func (p *JobPublisher) PublishJob(job *BackupJob) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("job publisher is closed")
	}
	p.mu.RUnlock()

	msg, err := job.Marshal()
	if err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.JobID, err)
	}
	return nil
}

// Requeue republishes an already-built message with an incremented attempt
// counter. Used when a worker hits lease contention and gives the job back.
func (p *JobPublisher) Requeue(msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("job publisher is closed")
	}
	p.mu.RUnlock()

	// Fresh message UUID so broker-side dedup does not swallow the requeue;
	// the job keeps its identity via job_id in the payload.
	requeued := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		requeued.Metadata.Set(k, v)
	}
	SetAttempts(requeued, Attempts(msg)+1)

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.topic, requeued)
	})
	if err != nil {
		return fmt.Errorf("failed to requeue message %s: %w", msg.UUID, err)
	}
	return nil
}

// Close marks the publisher closed. The underlying broker connection is
// owned by the Broker and closed there.
func (p *JobPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
