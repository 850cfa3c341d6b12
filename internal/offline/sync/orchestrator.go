package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldkit/offsync/internal/offline/cache"
	"github.com/fieldkit/offsync/internal/offline/conflict"
	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/netmon"
	"github.com/fieldkit/offsync/internal/offline/queue"
	"github.com/fieldkit/offsync/internal/offline/schedule"
	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

var (
	// ErrReauthenticationRequired is returned while the queue is paused
	// after the backend rejected the session.
	ErrReauthenticationRequired = errors.New("reauthentication required")

	// ErrConflictNotFound is returned for an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictClosed is returned when resolving a conflict twice.
	ErrConflictClosed = errors.New("conflict already resolved")

	// ErrNotFailed is returned when discarding or resubmitting a mutation
	// that is not in the failed state.
	ErrNotFailed = errors.New("mutation is not failed")

	// ErrAlreadyRunning is returned by Start on a running orchestrator.
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// Backend is the collaborator the orchestrator syncs against.
// *transport.HTTPClient and *backendtest.Backend satisfy it.
type Backend interface {
	transport.Sender
	cache.Fetcher
	Get(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error)
}

// AuthRefresher renews the backend session after an auth failure.
type AuthRefresher interface {
	Refresh(ctx context.Context) error
}

// AuthRefresherFunc adapts a function to AuthRefresher.
type AuthRefresherFunc func(ctx context.Context) error

// Refresh calls f.
func (f AuthRefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

// Trigger is a reason to run a drain cycle. Pending triggers are a bit set
// so coalesced reasons are not lost.
type Trigger uint8

const (
	TriggerOnline Trigger = 1 << iota
	TriggerForeground
	TriggerPeriodic
	TriggerManual
	TriggerWrite
	TriggerRetry
	TriggerStartup
)

// manualTriggers drain even while the monitor reports offline.
const manualTriggers = TriggerManual

// Config holds configuration for the orchestrator.
type Config struct {
	// MaxConcurrency bounds parallel attempts across distinct entities.
	// Clamped to 1..queue.MaxConcurrencyLimit.
	MaxConcurrency int

	// Interval is the periodic drain interval while online.
	Interval time.Duration

	// AttemptTimeout bounds a single send. Exceeding it is a transient
	// failure.
	AttemptTimeout time.Duration

	// MaxRetries is the transient retry budget of a mutation. Once spent
	// the mutation is stuck until RetrySyncNow.
	MaxRetries int

	Backoff  queue.Backoff
	Policies conflict.Policies

	// AuditLimit is how many closed conflicts are retained.
	AuditLimit int

	// Schemas maps entity types to JSON Schema documents checked at write
	// time.
	Schemas map[string]string

	Cache *cache.Config

	// Monitor supplies connectivity. Nil means always online.
	Monitor *netmon.Monitor

	// Scheduler drives timers and supplies the clock. Nil means real time.
	Scheduler schedule.Scheduler

	// AuthRefresher, when set, is invoked after an auth failure; success
	// resumes the queue.
	AuthRefresher AuthRefresher

	// Registerer receives the Prometheus collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// NewID generates mutation ids. Defaults to UUIDv7.
	NewID func() string

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: 4,
		Interval:       45 * time.Second,
		AttemptTimeout: 15 * time.Second,
		MaxRetries:     8,
		Backoff:        queue.DefaultBackoff(),
		Policies:       conflict.DefaultPolicies(),
		AuditLimit:     500,
		Logger:         log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Orchestrator drives mutations from the queue to the backend.
type Orchestrator struct {
	store     *db.DB
	backend   Backend
	queue     *queue.Queue
	resolver  *conflict.Resolver
	cache     *cache.Proxy
	monitor   *netmon.Monitor
	sched     schedule.Scheduler
	validator *Validator
	metrics   *Metrics
	events    *broadcaster
	config    *Config
	logger    *log.Logger

	// drainMu keeps drain cycles from overlapping.
	drainMu gosync.Mutex

	mu          gosync.Mutex
	syncing     bool
	paused      bool
	lastErr     string
	lastErrKind ErrorKind
	lastSyncAt  time.Time
	lastStamp   time.Time
	drainCancel context.CancelFunc
	pending     Trigger
	retryCancel func()

	wake chan struct{}

	runMu  gosync.Mutex
	cancel context.CancelFunc
	stops  []func()
	wg     gosync.WaitGroup

	// life outlives individual runs; background work spawned outside a
	// run, such as auth refreshes, uses it.
	life       context.Context
	lifeCancel context.CancelFunc
}

// New creates an orchestrator over an initialized store.
func New(store *db.DB, backend Backend, config *Config) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	config.MaxConcurrency = queue.ClampConcurrency(config.MaxConcurrency)
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Backoff.Base <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.Policies.Default == "" {
		config.Policies.Default = schema.FieldMerge
	}
	if config.AuditLimit <= 0 {
		config.AuditLimit = defaults.AuditLimit
	}
	if config.Scheduler == nil {
		config.Scheduler = schedule.NewReal()
	}
	if config.NewID == nil {
		config.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	validator, err := NewValidator(config.Schemas)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:     store,
		backend:   backend,
		queue:     queue.New(store, config.Scheduler.Now),
		resolver:  conflict.NewResolver(config.Policies),
		monitor:   config.Monitor,
		sched:     config.Scheduler,
		validator: validator,
		metrics:   NewMetrics(config.Registerer),
		events:    newBroadcaster(config.Logger),
		config:    config,
		logger:    config.Logger,
		wake:      make(chan struct{}, 1),
	}
	o.life, o.lifeCancel = context.WithCancel(context.Background())

	cacheConfig := config.Cache
	if cacheConfig == nil {
		cacheConfig = cache.DefaultConfig()
	}
	cacheConfig.Now = config.Scheduler.Now
	cacheConfig.Online = o.isOnline
	cacheConfig.OnQuotaWarning = func(err error) {
		o.recordError(ErrorQuota, err, "")
	}
	proxy, err := cache.New(store, backend, cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache proxy: %w", err)
	}
	o.cache = proxy

	return o, nil
}

// Resolver returns the conflict resolver, whose policies may be replaced
// while the orchestrator runs.
func (o *Orchestrator) Resolver() *conflict.Resolver {
	return o.resolver
}

// Cache returns the cache proxy.
func (o *Orchestrator) Cache() *cache.Proxy {
	return o.cache
}

// Metrics returns the Prometheus collectors.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Start recovers mutations left in flight by a previous process, hooks the
// network monitor and the periodic timer, and starts the driver loop. It
// returns immediately; Stop ends the run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return ErrAlreadyRunning
	}

	n, err := o.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Printf("Recovered %d in-flight mutation(s)", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if o.monitor != nil {
		o.stops = append(o.stops, o.monitor.Subscribe(o.onTransition))
	}
	o.stops = append(o.stops, o.sched.ScheduleRecurring(o.config.Interval, func() {
		o.Trigger(TriggerPeriodic)
	}))

	o.wg.Add(1)
	go o.loop(runCtx)

	o.logger.Printf("Started (concurrency %d, interval %v)", o.config.MaxConcurrency, o.config.Interval)
	o.Trigger(TriggerStartup)
	return nil
}

// Stop ends the driver loop and waits for an active drain to finish. Queue
// state is already durable; nothing is flushed.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	cancel := o.cancel
	stops := o.stops
	o.cancel = nil
	o.stops = nil
	o.runMu.Unlock()

	if cancel == nil {
		return
	}
	for _, stop := range stops {
		stop()
	}
	o.mu.Lock()
	if o.retryCancel != nil {
		o.retryCancel()
		o.retryCancel = nil
	}
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Println("Stopped")
}

// Run starts the orchestrator and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	o.Stop()
	return nil
}

// Close stops the orchestrator, waits for background work and closes
// event subscriptions. The store stays open; it belongs to the caller.
func (o *Orchestrator) Close() {
	o.Stop()
	o.lifeCancel()
	o.wg.Wait()
	o.cache.Close()
	o.events.closeAll()
}

// Trigger requests a drain cycle. Requests made while a cycle runs are
// coalesced into one more cycle once it finishes.
func (o *Orchestrator) Trigger(reason Trigger) {
	o.mu.Lock()
	o.pending |= reason
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.events.subscribe(buffer)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		o.mu.Lock()
		reasons := o.pending
		o.pending = 0
		o.mu.Unlock()

		if reasons == 0 {
			continue
		}
		if reasons&manualTriggers == 0 && !o.isOnline() {
			continue
		}
		if _, err := o.DrainOnce(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrReauthenticationRequired) {
			o.logger.Printf("Warning: drain failed: %v", err)
		}
	}
}

func (o *Orchestrator) onTransition(t netmon.Transition) {
	switch {
	case t.WentOffline():
		o.mu.Lock()
		cancel := o.drainCancel
		o.mu.Unlock()
		if cancel != nil {
			o.logger.Println("Network went offline, cancelling in-flight attempts")
			cancel()
		}
	case t.WentOnline():
		o.Trigger(TriggerOnline)
	}
	o.publishStatus(o.life)
}

func (o *Orchestrator) isOnline() bool {
	if o.monitor == nil {
		return true
	}
	return o.monitor.IsOnline()
}

func (o *Orchestrator) qualityFactor() float64 {
	if o.monitor == nil {
		return 1
	}
	return o.monitor.Quality().BackoffFactor()
}

func (o *Orchestrator) now() time.Time {
	return o.sched.Now()
}

// stamp returns a local timestamp strictly after every earlier one, so
// writes made within the clock's resolution still order.
func (o *Orchestrator) stamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if !now.After(o.lastStamp) {
		now = o.lastStamp.Add(time.Microsecond)
	}
	o.lastStamp = now
	return now
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// pause stops draining after an auth failure. Only the first caller of a
// pause episode starts the refresher.
func (o *Orchestrator) pause(cause error) {
	o.mu.Lock()
	already := o.paused
	o.paused = true
	o.mu.Unlock()
	if already {
		return
	}

	o.logger.Printf("Paused: %v", cause)
	o.recordError(ErrorAuth, fmt.Errorf("%w: %v", ErrReauthenticationRequired, cause), "")

	if o.config.AuthRefresher == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.life, o.config.AttemptTimeout)
		defer cancel()
		if err := o.config.AuthRefresher.Refresh(ctx); err != nil {
			o.logger.Printf("Warning: auth refresh failed: %v", err)
			return
		}
		o.NotifyReauthenticated()
	}()
}

func (o *Orchestrator) recordError(kind ErrorKind, err error, mutationID string) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.lastErrKind = kind
	o.mu.Unlock()

	o.events.publish(Event{
		Type:       EventSyncError,
		Time:       o.now(),
		ErrorKind:  kind,
		Detail:     err.Error(),
		MutationID: mutationID,
	})
}

func (o *Orchestrator) publishStatus(ctx context.Context) {
	st, err := o.GetSyncStatus(ctx)
	if err != nil {
		o.logger.Printf("Warning: failed to read sync status: %v", err)
		return
	}
	o.metrics.Pending.Set(float64(st.PendingCount))
	o.metrics.Conflicted.Set(float64(st.ConflictedCount))
	o.events.publish(Event{Type: EventStatus, Time: o.now(), Status: &st})
}
