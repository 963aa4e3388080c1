package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Categorizer defaults.
const (
	DefaultQueueSize       = 128
	DefaultCategorizeTries = 3
	DefaultRetryBackoff    = 500 * time.Millisecond
)

// CategorySource assigns categories to memory text.
type CategorySource interface {
	Categorize(ctx context.Context, text string) ([]string, error)
}

// CategorySink stores the categories of a memory.
type CategorySink interface {
	SetCategories(ctx context.Context, memoryID string, names []string) error
}

type categorizeJob struct {
	source   CategorySource
	memoryID string
	content  string
}

// CategorizerOptions configures a Categorizer. Zero values use the defaults.
type CategorizerOptions struct {
	QueueSize int
	Attempts  int
	Backoff   time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Categorizer assigns categories to new memories in the background. The
// add path enqueues; one worker drains the queue.
type Categorizer struct {
	sink     CategorySink
	queue    chan categorizeJob
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCategorizer creates a categorizer writing to sink. Call Start before
// enqueueing and Close to drain.
func NewCategorizer(sink CategorySink, opts CategorizerOptions) *Categorizer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultCategorizeTries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultRetryBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Categorizer{
		sink:     sink,
		queue:    make(chan categorizeJob, opts.QueueSize),
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "categorizer"),
	}
}

// Start runs the worker until Close or until ctx is cancelled.
func (c *Categorizer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for job := range c.queue {
			c.run(ctx, job)
		}
	}()
}

// Enqueue schedules categorization of a memory. It never blocks: when the
// queue is full or closed the job is dropped and false is returned.
func (c *Categorizer) Enqueue(source CategorySource, memoryID, content string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- categorizeJob{source: source, memoryID: memoryID, content: content}:
		return true
	default:
		c.logger.Warn("categorization queue full, dropping job", "memory", memoryID)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (c *Categorizer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	c.wg.Wait()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Categorizer) run(ctx context.Context, job categorizeJob) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("categorization panicked", "memory", job.memoryID, "panic", r)
		}
	}()

	var err error
	delay := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.categorize(ctx, job); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("categorization attempt failed", "memory", job.memoryID, "attempt", attempt, "error", err)
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
	}
	c.logger.Warn("categorization failed", "memory", job.memoryID, "attempts", c.attempts, "error", err)
}

func (c *Categorizer) categorize(ctx context.Context, job categorizeJob) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cats, err := job.source.Categorize(cctx, job.content)
	if err != nil {
		return err
	}
	if len(cats) == 0 {
		return nil
	}
	if err := c.sink.SetCategories(cctx, job.memoryID, cats); err != nil {
		return err
	}
	c.logger.Debug("categorized memory", "memory", job.memoryID, "categories", cats)
	return nil
}
