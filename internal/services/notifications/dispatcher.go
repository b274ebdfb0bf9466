package notifications

import (
	"context"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
)

// Event is the structured payload fanned out to notification collaborators
// after an entitlement or billing change has committed.
type Event struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	CompanyID  string         `json:"company_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Event types emitted by the entitlement and billing paths.
const (
	EventChapterUnlocked      = "chapter_unlocked"
	EventWarmIntroRequested   = "warm_intro_requested"
	EventSubscriptionStarted  = "subscription_started"
	EventSubscriptionRenewed  = "subscription_renewed"
	EventSubscriptionCanceled = "subscription_canceled"
	EventPaymentFailed        = "payment_failed"
	EventCreditsPurchased     = "credits_purchased"
	EventAutoReload           = "auto_reload"
)

// Sink is one notification collaborator. Sends are best-effort: a failing
// sink is logged and skipped, never retried here and never surfaced to the
// request path.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Publisher is the narrow interface the entitlement and billing services
// depend on.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher fans events out to the configured sinks from a worker pool so
// the publishing request never waits on collaborator I/O.
type Dispatcher struct {
	sinks    []Sink
	tasks    chan Event
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	sendTimeout time.Duration
}

const (
	defaultPoolSize    = 2
	defaultQueueSize   = 256
	defaultSendTimeout = 10 * time.Second
)

// NewDispatcher creates a dispatcher with the given worker pool size and
// queue capacity. Zero values fall back to defaults.
func NewDispatcher(sinks []Sink, poolSize, queueSize int) *Dispatcher {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	d := &Dispatcher{
		sinks:       sinks,
		tasks:       make(chan Event, queueSize),
		stopped:     make(chan struct{}),
		sendTimeout: defaultSendTimeout,
	}

	for i := 0; i < poolSize; i++ {
		d.wg.Add(1)
		go d.run()
	}

	return d
}

// Publish enqueues an event for delivery. It never blocks: when the queue is
// full the event is dropped with a warning, because notification delivery
// must not back-pressure the entitlement path.
func (d *Dispatcher) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case <-d.stopped:
		fiberlog.Warnf("notification dispatcher stopped, dropping %s event", event.Type)
	case d.tasks <- event:
	default:
		fiberlog.Warnf("notification queue full, dropping %s event for company %s", event.Type, event.CompanyID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopped:
			return
		case event := <-d.tasks:
			d.deliver(event)
		}
	}
}

// deliver fans one event out to every sink concurrently. Failures are logged
// and swallowed; a committed financial record is never rolled back because a
// collaborator was down.
func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Send(ctx, event); err != nil {
				fiberlog.Errorf("notification sink %s failed for %s event: %v", sink.Name(), event.Type, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop drains nothing and exits the workers; queued events are abandoned.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
	})
}

// NopPublisher discards every event. Used when no sinks are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
