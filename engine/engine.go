// Package engine runs the coordination loop. One goroutine owns the camera
// registry, the connections, the mode state, the ingestion state and the
// health rounds. Everything else talks to it by posting functions to its
// inbox.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/alert"
	"github.com/vtpl1/safetynet/conn"
	"github.com/vtpl1/safetynet/health"
	"github.com/vtpl1/safetynet/ingest"
	"github.com/vtpl1/safetynet/mode"
	"github.com/vtpl1/safetynet/models"
	"github.com/vtpl1/safetynet/poll"
	"github.com/vtpl1/safetynet/registry"
)

var ErrStopped = errors.New("engine stopped")

type Config struct {
	PollInterval        time.Duration
	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	VisibleLogSize      int
	HistoryLimit        int
	DedupCeiling        int
	EscalationThreshold int
	InboxSize           int
	SubscriberBuffer    int
	WarningCooldown     time.Duration
	Conn                conn.Config
	Poll                poll.Config
}

func DefaultConfig() Config {
	return Config{
		PollInterval:        2 * time.Second,
		HealthInterval:      30 * time.Second,
		HealthTimeout:       health.DefaultTimeout,
		VisibleLogSize:      20,
		HistoryLimit:        5000,
		DedupCeiling:        1000,
		EscalationThreshold: alert.DefaultThreshold,
		InboxSize:           1024,
		SubscriberBuffer:    64,
		WarningCooldown:     time.Minute,
		Conn:                conn.DefaultConfig(),
		Poll:                poll.DefaultConfig(),
	}
}

// Transport is the camera control channel, see conn.Supervisor
type Transport interface {
	EnsureConnected(cam models.Camera)
	Disconnect(address string)
	Send(address string, msg any) bool
	IsConnected(address string) bool
	Counts() map[conn.State]int
	Close()
}

// Poller fetches the REST endpoints of a camera. It is called from helper
// goroutines.
type Poller interface {
	Detections(cam models.Camera) (models.DetectionsResponse, error)
	PersonCounts(cam models.Camera) (models.PersonCountsResponse, error)
	Forget(address string)
}

// ImageFetcher downloads an image in the background
type ImageFetcher interface {
	FetchImage(url string, done func([]byte, error))
}

// HistoryWriter persists log entries without blocking
type HistoryWriter interface {
	Write(entry models.LogEntry) error
}

// Deps are the collaborators of an Engine. Nil Transport, Poller and
// Scheduler get the production implementations; nil Images and History
// disable image fetching and durable history.
type Deps struct {
	Transport  Transport
	Poller     Poller
	Images     ImageFetcher
	History    HistoryWriter
	Scheduler  health.Scheduler
	Registerer prometheus.Registerer
	Now        func() time.Time
	NewID      func() string
}

type Engine struct {
	cfg     Config
	inbox   chan func()
	stopped chan struct{}
	now     func() time.Time

	registry   *registry.Registry
	transport  Transport
	commands   *countingTransport
	modes      *mode.Controller
	pipeline   *ingest.Pipeline
	book       *ingest.LogBook
	health     *health.Coordinator
	escalation *alert.Escalation
	poller     Poller
	images     ImageFetcher
	history    HistoryWriter
	metrics    *Metrics

	generations map[string]uint64
	generation  uint64
	polling     map[string]bool
	warned      map[string]time.Time
	subscribers map[int]chan Event
	nextSub     int
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	e := &Engine{
		cfg:         cfg,
		inbox:       make(chan func(), cfg.InboxSize),
		stopped:     make(chan struct{}),
		now:         time.Now,
		registry:    registry.New(),
		pipeline:    ingest.NewPipeline(cfg.DedupCeiling),
		book:        ingest.NewLogBook(cfg.VisibleLogSize, cfg.HistoryLimit),
		escalation:  alert.NewEscalation(cfg.EscalationThreshold),
		images:      deps.Images,
		history:     deps.History,
		metrics:     NewMetrics(deps.Registerer),
		generations: make(map[string]uint64),
		polling:     make(map[string]bool),
		warned:      make(map[string]time.Time),
		subscribers: make(map[int]chan Event),
	}
	if deps.Now != nil {
		e.now = deps.Now
		e.pipeline.Now = deps.Now
	}
	if deps.NewID != nil {
		e.pipeline.NewID = deps.NewID
	}

	e.transport = deps.Transport
	if e.transport == nil {
		e.transport = conn.New(context.Background(), cfg.Conn, e.Post, e)
	}
	e.commands = &countingTransport{Transport: e.transport, metrics: e.metrics}
	e.modes = mode.NewController(e.commands)

	e.poller = deps.Poller
	if e.poller == nil {
		e.poller = poll.New(cfg.Poll)
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = loopScheduler{e}
	}
	e.health = health.NewCoordinator(cfg.HealthTimeout, sched)
	e.health.OnTimeout = e.healthTimeout

	e.registry.Subscribe(e.registryChanged)
	e.book.Subscribe(e.logged)
	return e
}

// Run processes the inbox until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	pollTick := tick(e.cfg.PollInterval)
	defer pollTick.Stop()
	healthTick := tick(e.cfg.HealthInterval)
	defer healthTick.Stop()

	log.Info().Dur("pollInterval", e.cfg.PollInterval).Dur("healthInterval", e.cfg.HealthInterval).Msg("Engine started")
	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-pollTick.C:
			e.pollAll()
		case <-healthTick.C:
			e.startHealthRound()
		case <-ctx.Done():
			e.shutdown()
			log.Info().Msg("Engine stopped")
			return nil
		}
	}
}

// Post queues fn to run on the engine goroutine. It never runs fn after
// the engine stopped.
func (e *Engine) Post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.stopped:
	}
}

// Do runs fn on the engine goroutine and waits for it
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.inbox <- func() {
		fn()
		close(done)
	}:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call is Do for functions that fail
func (e *Engine) call(ctx context.Context, fn func() error) error {
	var err error
	if doErr := e.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) shutdown() {
	for _, cam := range e.registry.List() {
		e.health.Forget(cam.Address)
	}
	e.transport.Close()
	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}
}

type ticker struct {
	C <-chan time.Time
	t *time.Ticker
}

// tick returns a ticker that never fires when d is not positive
func tick(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{C: t.C, t: t}
}

func (t ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

// loopScheduler runs deadline callbacks on the engine goroutine
type loopScheduler struct {
	e *Engine
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, func() { s.e.Post(f) })
	return t.Stop
}

// countingTransport counts every command by outcome
type countingTransport struct {
	Transport
	metrics *Metrics
}

func (t *countingTransport) Send(address string, msg any) bool {
	if t.Transport.Send(address, msg) {
		t.metrics.Commands.WithLabelValues("delivered").Inc()
		return true
	}
	t.metrics.Commands.WithLabelValues("dropped").Inc()
	return false
}
