package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/vipul43/marketsync/internal/logger"
)

// Handler runs one job. Returning an error hands the job to the retry
// policy; wrap it with Permanent to skip retries.
type Handler func(ctx context.Context, env Envelope) error

type ConsumerConfig struct {
	Queue string
	// Threads is the number of goroutines pulling from the broker
	Threads int
	// Workers is the number of goroutines running the handler
	Workers      int
	BufferSize   int
	TTR          time.Duration
	PollTimeout  time.Duration
	ErrorBackoff time.Duration
	JobTimeout   time.Duration
	Policy       RetryPolicy
}

// Consumer pulls jobs into a buffered channel and runs them on a fixed set
// of workers. Stop drains buffered jobs before returning.
type Consumer struct {
	cfg     ConsumerConfig
	source  Source
	handler Handler
	log     logger.Logger

	msgCh    chan *Message
	closing  *atomic.Bool
	inflight *atomic.Int64
	cancel   context.CancelFunc
	pullWG   sync.WaitGroup
	workWG   sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, source Source, handler Handler, log logger.Logger) *Consumer {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 1
	}
	return &Consumer{
		cfg:      cfg,
		source:   source,
		handler:  handler,
		log:      log,
		msgCh:    make(chan *Message, cfg.BufferSize),
		closing:  atomic.NewBool(false),
		inflight: atomic.NewInt64(0),
	}
}

// Start launches pullers and workers and returns immediately
func (c *Consumer) Start(ctx context.Context) {
	pullCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.log.Infof(ctx, "[Consumer %s] starting %d puller(s), %d worker(s)", c.cfg.Queue, c.cfg.Threads, c.cfg.Workers)

	for i := 0; i < c.cfg.Threads; i++ {
		c.pullWG.Add(1)
		go c.pull(pullCtx, i)
	}

	// Jobs keep running while pulling stops; JobTimeout bounds them.
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.workWG.Add(1)
		go c.work(logger.WithWorkerID(workCtx, i))
	}
}

// Stop stops pulling, lets workers finish the buffered jobs and waits
func (c *Consumer) Stop() {
	if !c.closing.CAS(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.pullWG.Wait()
	close(c.msgCh)
	c.workWG.Wait()
	c.log.Infof(context.Background(), "[Consumer %s] stopped", c.cfg.Queue)
}

// InFlight returns the number of jobs running right now
func (c *Consumer) InFlight() int64 {
	return c.inflight.Load()
}

func (c *Consumer) pull(ctx context.Context, id int) {
	defer c.pullWG.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := c.source.Consume(c.cfg.Queue, c.cfg.TTR, c.cfg.PollTimeout)
		if err != nil {
			c.log.Errorf(ctx, "[Consumer %s-%d] consume failed: %v", c.cfg.Queue, id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			// not acked, the broker hands it out again after TTR
			c.log.Warnf(ctx, "[Consumer %s-%d] shutting down, released job %s", c.cfg.Queue, id, msg.ID)
			return
		}
	}
}

func (c *Consumer) work(ctx context.Context) {
	defer c.workWG.Done()
	for msg := range c.msgCh {
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg *Message) {
	c.inflight.Inc()
	defer c.inflight.Dec()

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.log.Errorf(ctx, "[Consumer %s] dropping malformed job %s: %v", c.cfg.Queue, msg.ID, err)
		c.ack(ctx, msg)
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	err := c.handler(jobCtx, env)
	cancel()

	if err == nil {
		c.log.Debugf(ctx, "[Consumer %s] job %s (%s) done in %v", c.cfg.Queue, msg.ID, env.Name, time.Since(start))
		c.ack(ctx, msg)
		return
	}

	switch {
	case IsPermanent(err):
		c.log.Errorf(ctx, "[Consumer %s] job %s (%s) failed permanently: %v", c.cfg.Queue, msg.ID, env.Name, err)
	case c.cfg.Policy.Exhausted(env.Attempt):
		c.log.Errorf(ctx, "[Consumer %s] job %s (%s) failed after %d attempt(s): %v", c.cfg.Queue, msg.ID, env.Name, env.Attempt+1, err)
	default:
		next := env
		next.Attempt++
		delay := c.cfg.Policy.Delay(env.Attempt)
		if _, perr := publishEnvelope(c.source, c.cfg.Queue, next, delay); perr != nil {
			// leave unacked so the broker redelivers it
			c.log.Errorf(ctx, "[Consumer %s] failed to schedule retry of job %s: %v", c.cfg.Queue, msg.ID, perr)
			return
		}
		c.log.Warnf(ctx, "[Consumer %s] job %s (%s) attempt %d failed, retrying in %v: %v", c.cfg.Queue, msg.ID, env.Name, env.Attempt+1, delay, err)
	}
	c.ack(ctx, msg)
}

func (c *Consumer) ack(ctx context.Context, msg *Message) {
	if err := c.source.Ack(c.cfg.Queue, msg.ID); err != nil {
		c.log.Errorf(ctx, "[Consumer %s] failed to ack job %s: %v", c.cfg.Queue, msg.ID, err)
	}
}
