package modhost

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Origin identifies which side of the distributed transport an event was
// published on.
type Origin int

const (
	// OriginLocal marks an event published inside this process.
	OriginLocal Origin = iota
	// OriginRemote marks an event received from the distributed transport.
	// Remote events are dispatched to local subscriptions but never
	// forwarded back to the transport.
	OriginRemote
)

// Scope controls which event origins a subscription receives.
type Scope int

const (
	// ScopeDistributed receives events regardless of origin. This is the
	// default.
	ScopeDistributed Scope = iota
	// ScopeLocal receives only events published inside this process.
	ScopeLocal
)

// Event is the unit of traffic on the bus. Events are treated as immutable
// once published: a single publish fans out the same value to every
// matching subscription.
type Event struct {
	// Name is the dot-segmented event name, e.g. "module.loaded".
	Name string `json:"name"`
	// Payload carries arbitrary structured data.
	Payload any `json:"payload,omitempty"`
	// Source optionally names the module or collaborator that published
	// the event.
	Source string `json:"source,omitempty"`
	// Target optionally restricts delivery to subscriptions owned by the
	// named module.
	Target string `json:"target,omitempty"`
	// CorrelationID pairs a request event with its eventual response.
	CorrelationID string `json:"correlationId,omitempty"`
	// ReplyTo is the event name a responder should publish the correlated
	// response to. Set by Request.
	ReplyTo string `json:"replyTo,omitempty"`
	// CreatedAt is stamped at publish time when zero.
	CreatedAt time.Time `json:"createdAt"`
	// Metadata carries optional annotations that travel with the event.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Origin is OriginLocal for events published in this process and
	// OriginRemote for events received from the transport.
	Origin Origin `json:"-"`
	// LocalOnly suppresses forwarding to the distributed transport.
	LocalOnly bool `json:"-"`
}

// EventHandler processes one delivered event. A non-nil error is isolated
// by the bus: it is counted, logged, reported on the handler.error side
// channel, and never propagated to the publisher.
type EventHandler func(ctx context.Context, event Event) error

// Subscription is a registered handler for a pattern. Instances are owned
// by the bus; callers hold only the subscription id.
type Subscription struct {
	id       string
	pattern  string
	priority int
	scope    Scope
	owner    string
	once     bool
	isAsync  bool
	handler  EventHandler
	seq      uint64

	eventCh chan Event
	done    chan struct{}

	fired     atomic.Bool
	cancelled atomic.Bool
}

// ID returns the unique identifier for the subscription.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the pattern the subscription was registered with.
func (s *Subscription) Pattern() string { return s.pattern }

// Priority returns the delivery priority. Higher runs first.
func (s *Subscription) Priority() int { return s.priority }

// Scope returns which event origins the subscription receives.
func (s *Subscription) Scope() Scope { return s.scope }

// Owner returns the owning module name, if any.
func (s *Subscription) Owner() string { return s.owner }

// IsAsync reports whether delivery happens on the subscription's own
// goroutine.
func (s *Subscription) IsAsync() bool { return s.isAsync }

// SubscribeOption customises a subscription at registration time.
type SubscribeOption func(*Subscription)

// WithPriority sets the delivery priority. Handlers for the same event run
// in descending priority order; ties are broken by registration order.
func WithPriority(priority int) SubscribeOption {
	return func(s *Subscription) { s.priority = priority }
}

// WithScope restricts which event origins the subscription receives.
func WithScope(scope Scope) SubscribeOption {
	return func(s *Subscription) { s.scope = scope }
}

// WithOnce removes the subscription after its first delivery.
func WithOnce() SubscribeOption {
	return func(s *Subscription) { s.once = true }
}

// WithAsync delivers events on a dedicated goroutine with a buffered
// channel, preserving per-subscription order. When the buffer is full new
// events are dropped (and counted) rather than blocking the publisher.
func WithAsync() SubscribeOption {
	return func(s *Subscription) { s.isAsync = true }
}

// WithOwner tags the subscription with the owning module so the lifecycle
// manager can remove it at teardown and targeted events can find it.
func WithOwner(module string) SubscribeOption {
	return func(s *Subscription) { s.owner = module }
}

// BusStats is a point-in-time snapshot of delivery counters.
type BusStats struct {
	Published       uint64 `json:"published"`
	Delivered       uint64 `json:"delivered"`
	Dropped         uint64 `json:"dropped"`
	HandlerErrors   uint64 `json:"handlerErrors"`
	RemoteForwarded uint64 `json:"remoteForwarded"`
	RemoteReceived  uint64 `json:"remoteReceived"`
}

// DefaultRequestTimeout bounds Request calls that pass a non-positive
// timeout.
const DefaultRequestTimeout = 5 * time.Second

const defaultAsyncBufferSize = 64

// EventBus routes published events to every subscription whose pattern
// matches the event name, locally and (when a transport is attached)
// across processes. One handler's failure never affects delivery to the
// others or the publisher.
type EventBus struct {
	logger         Logger
	nodeID         string
	asyncBuffer    int
	requestTimeout time.Duration

	mu   sync.RWMutex
	subs []*Subscription // ordered: priority descending, registration order within a priority
	byID map[string]*Subscription
	seq  uint64

	transport     Transport
	transportDown atomic.Bool

	startMu sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published       atomic.Uint64
	delivered       atomic.Uint64
	dropped         atomic.Uint64
	handlerErrors   atomic.Uint64
	remoteForwarded atomic.Uint64
	remoteReceived  atomic.Uint64
}

// BusOption customises an EventBus at construction time.
type BusOption func(*EventBus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger Logger) BusOption {
	return func(b *EventBus) { b.logger = logger }
}

// WithAsyncBufferSize sets the per-subscription buffer for WithAsync
// subscriptions.
func WithAsyncBufferSize(size int) BusOption {
	return func(b *EventBus) {
		if size > 0 {
			b.asyncBuffer = size
		}
	}
}

// WithRequestTimeout sets the default timeout applied when Request is
// called with a non-positive timeout.
func WithRequestTimeout(timeout time.Duration) BusOption {
	return func(b *EventBus) {
		if timeout > 0 {
			b.requestTimeout = timeout
		}
	}
}

// NewEventBus creates a bus. Attach a transport before Start to join a
// distributed channel.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		logger:         NopLogger{},
		nodeID:         newID(),
		asyncBuffer:    defaultAsyncBufferSize,
		requestTimeout: DefaultRequestTimeout,
		byID:           make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NodeID identifies this bus instance on the distributed channel.
func (b *EventBus) NodeID() string { return b.nodeID }

// AttachTransport wires a distributed transport. Must be called before
// Start.
func (b *EventBus) AttachTransport(t Transport) {
	b.transport = t
}

// Distributed reports whether a transport is attached.
func (b *EventBus) Distributed() bool { return b.transport != nil }

// Start brings the bus up and, when a transport is attached, connects it.
// Idempotent.
func (b *EventBus) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.started {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	if b.transport != nil {
		if err := b.transport.Start(b.ctx, b.receiveRemote); err != nil {
			b.cancel()
			return fmt.Errorf("starting transport: %w", err)
		}
	}
	b.started = true
	return nil
}

// Stop disconnects the transport and waits for async subscription
// goroutines to finish, bounded by ctx.
func (b *EventBus) Stop(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if !b.started {
		return nil
	}
	b.cancel()
	if b.transport != nil {
		if err := b.transport.Stop(ctx); err != nil {
			b.logger.Error("transport stop failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ErrBusShutdownTimeout
	}
	b.started = false
	return nil
}

func (b *EventBus) isStarted() bool {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.started
}

// Subscribe registers a handler for every event whose name matches the
// pattern and returns the subscription id. The pattern is validated
// synchronously; an empty pattern or a non-final wildcard fails with
// ErrInvalidPattern.
func (b *EventBus) Subscribe(pattern string, handler EventHandler, opts ...SubscribeOption) (string, error) {
	if !b.isStarted() {
		return "", ErrBusNotStarted
	}
	if handler == nil {
		return "", ErrHandlerNil
	}
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}

	sub := &Subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.isAsync {
		sub.eventCh = make(chan Event, b.asyncBuffer)
		sub.done = make(chan struct{})
	}

	b.mu.Lock()
	sub.seq = b.seq
	b.seq++
	// Keep subs ordered by descending priority; a new subscription goes
	// after existing ones of equal priority so ties stay in registration
	// order.
	idx := sort.Search(len(b.subs), func(i int) bool {
		return b.subs[i].priority < sub.priority
	})
	b.subs = slices.Insert(b.subs, idx, sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	if sub.isAsync {
		b.wg.Add(1)
		go b.drainAsync(sub)
	}
	return sub.id, nil
}

// Unsubscribe removes a subscription. Removal is idempotent: an unknown or
// already-removed id is a no-op.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.byID, id)
	if i := slices.Index(b.subs, sub); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
	}
	b.mu.Unlock()

	if sub.cancelled.CompareAndSwap(false, true) && sub.isAsync {
		close(sub.done)
	}
}

// UnsubscribeOwned removes every subscription owned by the named module
// and returns how many were removed. The lifecycle manager calls this
// during module teardown.
func (b *EventBus) UnsubscribeOwned(owner string) int {
	if owner == "" {
		return 0
	}
	b.mu.RLock()
	ids := make([]string, 0, 4)
	for _, sub := range b.subs {
		if sub.owner == owner {
			ids = append(ids, sub.id)
		}
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Unsubscribe(id)
	}
	return len(ids)
}

// SubscriptionCount returns the number of live subscriptions.
func (b *EventBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Patterns returns the distinct patterns with at least one live
// subscription, sorted.
func (b *EventBus) Patterns() []string {
	b.mu.RLock()
	seen := make(map[string]struct{}, len(b.subs))
	for _, sub := range b.subs {
		seen[sub.pattern] = struct{}{}
	}
	b.mu.RUnlock()

	patterns := make([]string, 0, len(seen))
	for p := range seen {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

// SubscriberCount returns the number of live subscriptions registered with
// exactly the given pattern.
func (b *EventBus) SubscriberCount(pattern string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.pattern == pattern {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the delivery counters.
func (b *EventBus) Stats() BusStats {
	return BusStats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		Dropped:         b.dropped.Load(),
		HandlerErrors:   b.handlerErrors.Load(),
		RemoteForwarded: b.remoteForwarded.Load(),
		RemoteReceived:  b.remoteReceived.Load(),
	}
}

// Publish delivers the event to all matching local subscriptions and, for
// locally-originated events, forwards it once to the attached transport.
// Synchronous handlers run in the caller's goroutine in descending
// priority order; their failures are isolated and never returned here.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	if !b.isStarted() {
		return ErrBusNotStarted
	}
	if event.Name == "" {
		return ErrEmptyEventName
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	b.published.Add(1)
	b.dispatch(ctx, event)

	if event.Origin == OriginLocal && !event.LocalOnly {
		b.forward(ctx, event)
	}
	return nil
}

// receiveRemote is handed to the transport as its delivery callback.
func (b *EventBus) receiveRemote(event Event) {
	event.Origin = OriginRemote
	b.remoteReceived.Add(1)
	b.dispatch(b.ctx, event)
}

func (b *EventBus) dispatch(ctx context.Context, event Event) {
	for _, sub := range b.matching(event) {
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			// Remove before invoking so a publish racing with this one
			// cannot deliver a second time.
			b.Unsubscribe(sub.id)
		}
		if sub.isAsync {
			select {
			case sub.eventCh <- event:
			default:
				b.dropped.Add(1)
				b.logger.Warn("async subscriber buffer full, dropping event",
					"pattern", sub.pattern, "event", event.Name)
			}
			continue
		}
		b.invoke(ctx, sub, event)
	}
}

// matching snapshots the subscriptions that should receive the event, in
// delivery order. The subscription set is read under a short read lock;
// handlers run outside it.
func (b *EventBus) matching(event Event) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.cancelled.Load() {
			continue
		}
		if event.Origin == OriginRemote && sub.scope == ScopeLocal {
			continue
		}
		if event.Target != "" && sub.owner != event.Target {
			continue
		}
		if !MatchPattern(sub.pattern, event.Name) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched
}

func (b *EventBus) invoke(ctx context.Context, sub *Subscription, event Event) {
	err := b.safeInvoke(ctx, sub, event)
	b.delivered.Add(1)
	if err != nil {
		b.reportHandlerFailure(ctx, sub, event, err)
	}
}

func (b *EventBus) safeInvoke(ctx context.Context, sub *Subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// reportHandlerFailure isolates a handler error: counted, logged, and
// announced on the handler.error side channel. Failures of handler.error
// handlers themselves are only logged.
func (b *EventBus) reportHandlerFailure(ctx context.Context, sub *Subscription, event Event, err error) {
	b.handlerErrors.Add(1)
	b.logger.Error("event handler failed",
		"event", event.Name, "pattern", sub.pattern, "subscription", sub.id, "error", err)
	if event.Name == EventHandlerError {
		return
	}
	report := Event{
		Name: EventHandlerError,
		Payload: map[string]any{
			"event":        event.Name,
			"pattern":      sub.pattern,
			"subscription": sub.id,
			"owner":        sub.owner,
			"error":        err.Error(),
		},
		Source:    event.Name,
		LocalOnly: true,
	}
	if perr := b.Publish(ctx, report); perr != nil {
		b.logger.Debug("handler.error report not published", "error", perr)
	}
}

func (b *EventBus) drainAsync(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.eventCh:
			if sub.cancelled.Load() {
				return
			}
			b.invoke(b.ctx, sub, event)
		}
	}
}

// forward hands a local event to the transport. Transport unavailability
// degrades to local-only delivery and is reported once per outage, with a
// single recovery message when forwarding succeeds again.
func (b *EventBus) forward(ctx context.Context, event Event) {
	if b.transport == nil {
		return
	}
	if err := b.transport.Forward(ctx, event); err != nil {
		if b.transportDown.CompareAndSwap(false, true) {
			b.logger.Error("distributed transport unavailable, delivering local-only", "error", err)
		} else {
			b.logger.Debug("transport forward failed", "event", event.Name, "error", err)
		}
		return
	}
	if b.transportDown.CompareAndSwap(true, false) {
		b.logger.Info("distributed transport recovered")
	}
	b.remoteForwarded.Add(1)
}

// Request publishes the event with a fresh correlation id and blocks until
// a correlated response arrives, the timeout elapses, or ctx is cancelled.
// Responders publish to the ReplyTo name, normally via Respond. Each call
// waits on its own wait-point; concurrent requests and publishes are never
// blocked by one another. A non-positive timeout uses the bus default.
func (b *EventBus) Request(ctx context.Context, event Event, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	if event.Name == "" {
		return Event{}, ErrEmptyEventName
	}

	corrID := newID()
	event.CorrelationID = corrID
	event.ReplyTo = event.Name + ".response." + corrID

	respCh := make(chan Event, 1)
	subID, err := b.Subscribe(event.ReplyTo, func(_ context.Context, resp Event) error {
		select {
		case respCh <- resp:
		default:
		}
		return nil
	}, WithOnce())
	if err != nil {
		return Event{}, err
	}
	// Release the correlation registration on every exit path.
	defer b.Unsubscribe(subID)

	if err := b.Publish(ctx, event); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("%w: no response to %q within %s", ErrRequestTimeout, event.Name, timeout)
	case <-ctx.Done():
		return Event{}, fmt.Errorf("request %q: %w", event.Name, ctx.Err())
	}
}

// Respond publishes the correlated response to a request event received by
// a handler. Fails with ErrNotRequest when the event was not published via
// Request.
func (b *EventBus) Respond(ctx context.Context, request Event, payload any) error {
	if request.ReplyTo == "" {
		return fmt.Errorf("%w: %q", ErrNotRequest, request.Name)
	}
	return b.Publish(ctx, Event{
		Name:          request.ReplyTo,
		Payload:       payload,
		CorrelationID: request.CorrelationID,
	})
}

// newID returns a time-ordered uuid, falling back to a random one if v7
// generation fails.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}
