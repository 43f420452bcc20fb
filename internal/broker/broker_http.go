package broker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPProducer produces messages to an HTTP broker front end: Produce
// POSTs to "<baseURL>/produce?topic=<t>&partition=<p>". HTTPProducer
// takes the topic from each Message, since the gateway multiplexes many
// logical topics over one broker connection.
type HTTPProducer struct {
	baseURL       string
	client        *http.Client
	maxPartitions int32

	// roundRobin assigns partitions for RandomPartition messages, the
	// same round-robin strategy http_message_queue.go used for every
	// publish.
	roundRobin uint64
}

// NewHTTPProducer creates an HTTPProducer posting to baseURL with
// maxPartitions used for round-robin assignment of RandomPartition
// messages.
func NewHTTPProducer(baseURL string, maxPartitions int32) *HTTPProducer {
	if maxPartitions <= 0 {
		maxPartitions = 1
	}
	return &HTTPProducer{
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		maxPartitions: maxPartitions,
	}
}

func (p *HTTPProducer) resolvePartition(msg Message) int32 {
	if msg.Partition != RandomPartition {
		return msg.Partition
	}
	n := atomic.AddUint64(&p.roundRobin, 1)
	return int32(n % uint64(p.maxPartitions))
}

// Produce implements Producer.
func (p *HTTPProducer) Produce(ctx context.Context, msg Message) error {
	partition := p.resolvePartition(msg)
	url := fmt.Sprintf("%s/produce?topic=%s&partition=%d", p.baseURL, msg.Topic, partition)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Value))
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(msg.Key) > 0 {
		req.Header.Set("X-Partition-Key", string(msg.Key))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &TransientError{Class: "queue-full", Err: fmt.Errorf("%w: %v", ErrQueueFull, err)}
	}
	defer resp.Body.Close()

	return statusToError(resp.StatusCode)
}

// statusToError maps the HTTP front end's status codes onto the
// transient-error taxonomy src/util/kafka.h defines in original_source/.
func statusToError(status int) error {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return &TransientError{Class: "queue-full", Err: ErrQueueFull}
	case http.StatusRequestEntityTooLarge:
		return &TransientError{Class: "message-too-large", Err: ErrMessageTooLarge}
	case http.StatusNotFound:
		return &TransientError{Class: "unknown-topic", Err: ErrUnknownTopic}
	case http.StatusBadRequest:
		return &TransientError{Class: "unknown-partition", Err: ErrUnknownPartition}
	default:
		return fmt.Errorf("broker: unexpected status %d", status)
	}
}

// ProduceBatch implements Producer.
func (p *HTTPProducer) ProduceBatch(ctx context.Context, msgs []Message) []error {
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		errs[i] = p.Produce(ctx, m)
	}
	return errs
}

// Close implements Producer. The HTTP client has no persistent
// connection state to release beyond what the transport pool manages.
func (p *HTTPProducer) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
