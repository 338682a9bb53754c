package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/21projects/greetings/internal/config"
	"github.com/21projects/greetings/internal/greeting"
)

const (
	// claimLease is how long a claimed delivery stays invisible to other
	// pollers. Must comfortably exceed one send attempt so a crashed
	// worker's claim becomes due again instead of double-sending.
	claimLease = 2 * time.Minute

	// retryBackoff is the base delay before the first retry; it doubles
	// with each failed attempt.
	retryBackoff = 30 * time.Second
)

// Dispatcher drains the delivery queue in the background. One poller
// claims due deliveries in batches and hands them to a fixed pool of
// workers; the pool bounds both concurrency and memory no matter how
// deep the queue gets.
type Dispatcher struct {
	store     *greeting.Store
	sender    Sender
	templates *TemplateService
	limiter   *RateLimiter
	cfg       config.DispatchConfig
	mail      config.MailConfig

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	wake    chan struct{}
	tasks   chan *greeting.Delivery
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. limiter may be nil when no Redis is
// configured; sends are then unthrottled.
func NewDispatcher(store *greeting.Store, sender Sender, templates *TemplateService,
	limiter *RateLimiter, cfg config.DispatchConfig, mail config.MailConfig) *Dispatcher {
	return &Dispatcher{
		store:     store,
		sender:    sender,
		templates: templates,
		limiter:   limiter,
		cfg:       cfg,
		mail:      mail,
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		tasks:     make(chan *greeting.Delivery),
	}
}

// Start launches the poller and the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	log.Printf("[DISPATCH] Starting %d delivery workers...", d.cfg.Workers)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.wg.Add(1)
	go d.poll(ctx)

	return nil
}

// Stop shuts the dispatcher down and waits for in-flight sends to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	log.Println("[DISPATCH] Stopping delivery workers...")
	close(d.stopCh)
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Notify nudges the poller to claim immediately instead of waiting for
// the next tick. Safe to call from request handlers; never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.claimBatch(ctx)
		case <-d.wake:
			d.claimBatch(ctx)
		}
	}
}

func (d *Dispatcher) claimBatch(ctx context.Context) {
	claimed, err := d.store.ClaimDeliveries(ctx, d.cfg.BatchSize, claimLease)
	if err != nil {
		log.Printf("[DISPATCH] Error claiming deliveries: %v", err)
		return
	}
	for _, delivery := range claimed {
		select {
		case d.tasks <- delivery:
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case delivery := <-d.tasks:
			if !d.waitForBudget(ctx) {
				// Shutting down; the lease will lapse and the delivery
				// will be claimed again.
				return
			}
			d.process(ctx, delivery)
		}
	}
}

// waitForBudget blocks until the rate limiter admits one more send.
// Returns false when the dispatcher is shutting down.
func (d *Dispatcher) waitForBudget(ctx context.Context) bool {
	for {
		if d.limiter.Allow(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-d.stopCh:
			return false
		case <-time.After(time.Second):
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, delivery *greeting.Delivery) {
	text, htmlBody, err := d.templates.Render(delivery.Template, delivery.Title, delivery.Message)
	if err != nil {
		d.recordFailure(ctx, delivery, err)
		return
	}

	msg := &Message{
		To:        delivery.Email,
		FromEmail: d.mail.FromEmail,
		FromName:  d.mail.FromName,
		Subject:   d.mail.Subject,
		Text:      text,
		HTML:      htmlBody,
	}

	if err := d.sender.Send(ctx, msg); err != nil {
		d.recordFailure(ctx, delivery, err)
		return
	}

	if err := d.store.MarkDelivered(ctx, delivery.ID); err != nil {
		log.Printf("[DISPATCH] Error marking delivery %s delivered: %v", delivery.ID, err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, delivery *greeting.Delivery, sendErr error) {
	log.Printf("[DISPATCH] Delivery %s attempt %d failed: %v", delivery.ID, delivery.Attempts+1, sendErr)
	if err := d.store.MarkFailed(ctx, delivery, sendErr, d.cfg.MaxAttempts, retryBackoff); err != nil {
		log.Printf("[DISPATCH] Error recording failure for delivery %s: %v", delivery.ID, err)
	}
}
