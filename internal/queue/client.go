// Package queue runs named jobs on lmstfy with delayed, bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bitleak/lmstfy/client"
)

var ErrNotConfigured = errors.New("queue host not configured")

// Message is one job pulled from a queue
type Message struct {
	ID    string
	Queue string
	Data  []byte
}

// Source is what the consumer needs from the broker
type Source interface {
	Consume(queue string, ttr, timeout time.Duration) (*Message, error)
	Ack(queue, jobID string) error
	Publish(queue string, data []byte, delay time.Duration) (string, error)
}

type Options struct {
	Host      string
	Port      int
	Namespace string
	Token     string
	// TTL is how long an unconsumed job is kept
	TTL time.Duration
	// Tries lets lmstfy redeliver a job whose consumer died before acking
	Tries uint16
}

// Client wraps the lmstfy client
type Client struct {
	cli   *client.LmstfyClient
	ttl   uint32
	tries uint16
}

var _ Source = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, ErrNotConfigured
	}
	tries := opts.Tries
	if tries == 0 {
		tries = 2
	}
	return &Client{
		cli:   client.NewLmstfyClient(opts.Host, opts.Port, opts.Namespace, opts.Token),
		ttl:   seconds(opts.TTL),
		tries: tries,
	}, nil
}

func seconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(math.Ceil(d.Seconds()))
}

// Consume blocks up to timeout; a nil message means nothing was ready
func (c *Client) Consume(queue string, ttr, timeout time.Duration) (*Message, error) {
	job, err := c.cli.Consume(queue, seconds(ttr), seconds(timeout))
	if err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	return &Message{ID: job.ID, Queue: job.Queue, Data: job.Data}, nil
}

func (c *Client) Ack(queue, jobID string) error {
	if err := c.cli.Ack(queue, jobID); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

func (c *Client) Publish(queue string, data []byte, delay time.Duration) (string, error) {
	id, err := c.cli.Publish(queue, data, c.ttl, c.tries, seconds(delay))
	if err != nil {
		return "", fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return id, nil
}

// Enqueue publishes env to queue after delay and returns the broker job id
func (c *Client) Enqueue(_ context.Context, queue string, env Envelope, delay time.Duration) (string, error) {
	return publishEnvelope(c, queue, env, delay)
}

// Remove deletes a job that has not run yet. Removing a job that is gone
// already is not an error on lmstfy.
func (c *Client) Remove(_ context.Context, queue, jobID string) error {
	return c.Ack(queue, jobID)
}

func publishEnvelope(src Source, queue string, env Envelope, delay time.Duration) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s job: %w", env.Name, err)
	}
	return src.Publish(queue, data, delay)
}
