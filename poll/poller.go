// Package poll fetches the detections and person count endpoints of a camera.
// Every camera gets its own circuit breaker so an unreachable camera is
// skipped until the breaker half-opens again.
package poll

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"github.com/vtpl1/safetynet/models"
)

var ErrPoll = errors.New("poll failed")

type Config struct {
	DetectionsPath   string
	PersonCountsPath string
	HTTPPort         int
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DetectionsPath:   "/detections",
		PersonCountsPath: "/person_counts",
		Timeout:          2 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// Poller is safe for concurrent use
type Poller struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func New(cfg Config) *Poller {
	def := DefaultConfig()
	if cfg.DetectionsPath == "" {
		cfg.DetectionsPath = def.DetectionsPath
	}
	if cfg.PersonCountsPath == "" {
		cfg.PersonCountsPath = def.PersonCountsPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Poller{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte])}
}

// Detections fetches the detections endpoint of cam
func (p *Poller) Detections(cam models.Camera) (models.DetectionsResponse, error) {
	var resp models.DetectionsResponse
	err := p.fetch(cam, p.cfg.DetectionsPath, &resp)
	return resp, err
}

// PersonCounts fetches the person counts endpoint of cam
func (p *Poller) PersonCounts(cam models.Camera) (models.PersonCountsResponse, error) {
	var resp models.PersonCountsResponse
	err := p.fetch(cam, p.cfg.PersonCountsPath, &resp)
	return resp, err
}

// Forget drops the breaker of a removed camera
func (p *Poller) Forget(address string) {
	p.mu.Lock()
	delete(p.breakers, address)
	p.mu.Unlock()
}

// BreakerState reports the breaker state of a camera, closed when unknown
func (p *Poller) BreakerState(address string) gobreaker.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[address]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// URL returns the poll url of path on cam. Like images, poll endpoints are
// served over plain http, on the default port unless port is set.
func URL(cam models.Camera, port int, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	host := cam.Address
	if port > 0 {
		host += ":" + strconv.Itoa(port)
	}
	return "http://" + host + path
}

func (p *Poller) fetch(cam models.Camera, path string, v any) error {
	url := URL(cam, p.cfg.HTTPPort, path)
	body, err := p.breaker(cam.Address).Execute(func() ([]byte, error) {
		return p.get(url)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPoll, url, err)
	}
	return nil
}

func (p *Poller) get(url string) ([]byte, error) {
	agent := fiber.Get(url)
	agent.Timeout(p.cfg.Timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrPoll, url, errors.Join(errs...))
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrPoll, url, code)
	}
	return body, nil
}

func (p *Poller) breaker(address string) *gobreaker.CircuitBreaker[[]byte] {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[address]
	if ok {
		return cb
	}
	threshold := p.cfg.FailureThreshold
	cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    address,
		Timeout: p.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("address", name).Str("from", from.String()).Str("to", to.String()).Msg("Poll breaker state changed")
		},
	})
	p.breakers[address] = cb
	return cb
}
