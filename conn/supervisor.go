// Package conn keeps one persistent websocket control channel per camera.
//
// The Supervisor itself is not safe for concurrent use. Its methods run on
// the owner goroutine; the goroutines it starts for dialing, reading and
// writing only hand results back through the dispatch function.
package conn

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// State of one camera connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Handler receives connection events on the owner goroutine. OnStateChange
// is called for every transition, before OnConnected and OnDisconnected.
type Handler interface {
	OnConnected(address string)
	OnDisconnected(address string, err error)
	OnMessage(address string, frame []byte)
	OnStateChange(address string, state State)
}

type Config struct {
	Scheme             string
	Path               string
	InsecureSkipVerify bool
	Reconnect          bool
	HandshakeTimeout   time.Duration
	SendQueue          int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	MaxElapsed         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Scheme:             "wss",
		Path:               "/ws",
		InsecureSkipVerify: true,
		Reconnect:          true,
		HandshakeTimeout:   10 * time.Second,
		SendQueue:          32,
		InitialBackoff:     time.Second,
		MaxBackoff:         30 * time.Second,
		MaxElapsed:         10 * time.Minute,
	}
}

type connection struct {
	id      uint64
	camera  models.Camera
	state   State
	out     chan []byte
	cancel  context.CancelFunc
	retry   *time.Timer
	backoff *backoff.ExponentialBackOff
}

type Supervisor struct {
	cfg      Config
	dispatch func(func())
	handler  Handler
	dialer   *websocket.Dialer
	ctx      context.Context
	stop     context.CancelFunc

	conns  map[string]*connection
	byID   map[uint64]string
	nextID uint64
}

// New creates a Supervisor. dispatch must run the given function on the
// owner goroutine.
func New(ctx context.Context, cfg Config, dispatch func(func()), handler Handler) *Supervisor {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 32
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "wss"
	}
	if cfg.InsecureSkipVerify {
		log.Warn().Msg("TLS certificate verification of camera connections is disabled")
	}
	ctx, stop := context.WithCancel(ctx)
	return &Supervisor{
		cfg:      cfg,
		dispatch: dispatch,
		handler:  handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // explicit flag
		},
		ctx:   ctx,
		stop:  stop,
		conns: make(map[string]*connection),
		byID:  make(map[uint64]string),
	}
}

// EnsureConnected opens a connection to the camera unless one exists or is
// being established.
func (s *Supervisor) EnsureConnected(cam models.Camera) {
	if c, ok := s.conns[cam.Address]; ok {
		if c.state == Connected || c.state == Connecting || c.retry != nil {
			return
		}
		c.camera = cam
		s.dial(c)
		return
	}
	c := &connection{camera: cam, backoff: s.newBackoff()}
	s.conns[cam.Address] = c
	s.dial(c)
}

// Send queues msg for the camera. It reports false, and the message is
// dropped, when the camera is not connected or its queue is full.
func (s *Supervisor) Send(address string, msg any) bool {
	c, ok := s.conns[address]
	if !ok || c.state != Connected {
		log.Debug().Str("address", address).Msg("Command dropped, camera not connected")
		return false
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("address", address).Msg("Failed to encode command")
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		log.Warn().Str("address", address).Msg("Command dropped, send queue full")
		return false
	}
}

// Disconnect closes and forgets the connection of address
func (s *Supervisor) Disconnect(address string) {
	c, ok := s.conns[address]
	if !ok {
		return
	}
	delete(s.conns, address)
	delete(s.byID, c.id)
	s.release(c)
	log.Info().Str("address", address).Msg("Camera connection closed")
}

// Close disconnects every camera
func (s *Supervisor) Close() {
	for addr := range s.conns {
		s.Disconnect(addr)
	}
	s.stop()
}

func (s *Supervisor) State(address string) State {
	if c, ok := s.conns[address]; ok {
		return c.state
	}
	return Disconnected
}

func (s *Supervisor) IsConnected(address string) bool {
	return s.State(address) == Connected
}

// Counts returns the number of connections per state
func (s *Supervisor) Counts() map[State]int {
	out := map[State]int{Disconnected: 0, Connecting: 0, Connected: 0, Failed: 0}
	for _, c := range s.conns {
		out[c.state]++
	}
	return out
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}
	b.MaxElapsedTime = s.cfg.MaxElapsed
	b.Reset()
	return b
}

func (s *Supervisor) dial(c *connection) {
	s.nextID++
	id := s.nextID
	delete(s.byID, c.id)
	c.id = id
	c.retry = nil
	s.setState(c, Connecting)
	s.byID[id] = c.camera.Address

	ctx, cancel := context.WithCancel(s.ctx)
	c.cancel = cancel
	url := c.camera.ControlURL(s.cfg.Scheme, s.cfg.Path)
	logger := log.With().Str("camera", c.camera.Name).Str("url", url).Logger()
	logger.Info().Msg("Connecting")

	go func() {
		ws, resp, err := s.dialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			logger.Error().Err(err).Msg("Connection failed")
		}
		s.dispatch(func() { s.dialed(id, ws, err) })
	}()
}

func (s *Supervisor) dialed(id uint64, ws *websocket.Conn, err error) {
	c := s.current(id)
	if c == nil {
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		s.retryLater(c, Failed)
		return
	}
	s.setState(c, Connected)
	c.out = make(chan []byte, s.cfg.SendQueue)
	c.backoff.Reset()
	go s.readLoop(id, ws)
	go writeLoop(ws, c.out)
	log.Info().Str("camera", c.camera.Name).Str("address", c.camera.Address).Msg("Connected")
	s.handler.OnConnected(c.camera.Address)
}

func (s *Supervisor) inbound(id uint64, frame []byte) {
	addr, ok := s.byID[id]
	if !ok {
		return
	}
	s.handler.OnMessage(addr, frame)
}

func (s *Supervisor) closed(id uint64, err error) {
	c := s.current(id)
	if c == nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info().Str("address", c.camera.Address).Msg("Connection closed by camera")
	} else {
		log.Error().Err(err).Str("address", c.camera.Address).Msg("Connection lost")
	}
	s.release(c)
	s.setState(c, Disconnected)
	s.handler.OnDisconnected(c.camera.Address, err)
	s.retryLater(c, Disconnected)
}

// retryLater schedules a redial with backoff, or leaves the connection in
// the given terminal state when reconnecting is off.
func (s *Supervisor) retryLater(c *connection, terminal State) {
	if !s.cfg.Reconnect {
		s.setState(c, terminal)
		return
	}
	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		s.setState(c, Failed)
		log.Error().Str("address", c.camera.Address).Msg("Giving up reconnecting")
		return
	}
	s.setState(c, Disconnected)
	id := c.id
	log.Info().Str("address", c.camera.Address).Dur("delay", d).Msg("Reconnecting")
	c.retry = time.AfterFunc(d, func() {
		s.dispatch(func() {
			if c := s.current(id); c != nil && c.state != Connected {
				s.dial(c)
			}
		})
	})
}

func (s *Supervisor) setState(c *connection, state State) {
	if c.state == state {
		return
	}
	c.state = state
	s.handler.OnStateChange(c.camera.Address, state)
}

func (s *Supervisor) current(id uint64) *connection {
	addr, ok := s.byID[id]
	if !ok {
		return nil
	}
	c, ok := s.conns[addr]
	if !ok || c.id != id {
		return nil
	}
	return c
}

func (s *Supervisor) release(c *connection) {
	if c.cancel != nil {
		c.cancel()
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.out != nil {
		close(c.out)
		c.out = nil
	}
}

func (s *Supervisor) readLoop(id uint64, ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			s.dispatch(func() { s.closed(id, err) })
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(func() { s.inbound(id, frame) })
	}
}

// writeLoop owns all writes to ws. Closing out sends a close frame.
func writeLoop(ws *websocket.Conn, out <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = ws.Close()
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("Write failed")
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}
