// Package mode implements the exclusive operating mode state machine.
//
// Mode selection is optimistic: the local state commits before any command
// is sent and a rejected acknowledgement never rolls it back.
package mode

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

var (
	ErrNoCameras   = errors.New("no cameras registered")
	ErrInvalidMode = errors.New("invalid mode")
	ErrRejected    = errors.New("mode change rejected by camera")
)

// Commander delivers commands to one camera. Send is fire-and-forget and
// reports false when the command was dropped.
type Commander interface {
	Send(address string, msg any) bool
}

// Transition describes one mode change and where its command went
type Transition struct {
	From      models.OperatingMode
	To        models.OperatingMode
	Delivered []string
	Dropped   []string
}

// Controller is owned by the engine goroutine
type Controller struct {
	commander Commander
	active    models.OperatingMode
	delivered map[string]models.OperatingMode
}

func NewController(commander Commander) *Controller {
	return &Controller{
		commander: commander,
		delivered: make(map[string]models.OperatingMode),
	}
}

// Active returns the current mode, ModeNone when no camera is registered
func (c *Controller) Active() models.OperatingMode {
	return c.active
}

// State returns the toggle state of every mode
func (c *Controller) State() models.ModeState {
	toggles := make(map[models.OperatingMode]bool, len(models.Modes))
	for _, m := range models.Modes {
		toggles[m] = m == c.active
	}
	return models.ModeState{Active: c.active, Toggles: toggles}
}

// Reconcile brings the mode in line with the registry. An empty registry
// has no mode; the first camera switches on Raw. It returns the transition
// when the mode changed.
func (c *Controller) Reconcile(cameras []models.Camera) (Transition, bool) {
	switch {
	case len(cameras) == 0 && c.active != models.ModeNone:
		t := Transition{From: c.active, To: models.ModeNone}
		c.active = models.ModeNone
		clear(c.delivered)
		log.Info().Msg("Registry empty, no operating mode")
		return t, true
	case len(cameras) > 0 && c.active == models.ModeNone:
		return c.apply(models.ModeRaw, cameras), true
	}
	return Transition{}, false
}

// Select makes m the only active mode and propagates it to every camera
func (c *Controller) Select(m models.OperatingMode, cameras []models.Camera) (Transition, error) {
	if m == models.ModeNone || m.WireName() == "" {
		return Transition{}, fmt.Errorf("%w: %v", ErrInvalidMode, m)
	}
	if len(cameras) == 0 {
		return Transition{}, ErrNoCameras
	}
	return c.apply(m, cameras), nil
}

// Deselect switches m off. Switching off the active mode falls back to Raw;
// switching off an inactive mode changes nothing.
func (c *Controller) Deselect(m models.OperatingMode, cameras []models.Camera) (Transition, bool) {
	if m != c.active || len(cameras) == 0 || m == models.ModeRaw {
		return Transition{}, false
	}
	return c.apply(models.ModeRaw, cameras), true
}

// Sync resends the active mode to a camera that just (re)connected, unless
// that camera already received it.
func (c *Controller) Sync(cam models.Camera) bool {
	if c.active == models.ModeNone {
		return false
	}
	if last, ok := c.delivered[cam.Address]; ok && last == c.active {
		return false
	}
	return c.send(cam, c.active)
}

// Forget drops the delivery record of a removed camera
func (c *Controller) Forget(address string) {
	delete(c.delivered, address)
}

// Disconnected clears the delivery record so the mode is resent on reconnect
func (c *Controller) Disconnected(address string) {
	delete(c.delivered, address)
}

// HandleAck inspects an acknowledgement. A rejection is returned as an
// error for the caller to surface; local state is left untouched.
func (c *Controller) HandleAck(address string, ack models.ModeChangeAck) error {
	if ack.Status != "error" {
		log.Debug().Str("address", address).Str("mode", ack.Mode).Msg("Mode change acknowledged")
		return nil
	}
	log.Warn().Str("address", address).Str("mode", ack.Mode).Str("reason", ack.Message).Msg("Mode change rejected")
	return fmt.Errorf("%w: %s (%s)", ErrRejected, ack.Mode, ack.Message)
}

func (c *Controller) apply(m models.OperatingMode, cameras []models.Camera) Transition {
	t := Transition{From: c.active, To: m}
	c.active = m
	for _, cam := range cameras {
		if c.send(cam, m) {
			t.Delivered = append(t.Delivered, cam.Address)
		} else {
			t.Dropped = append(t.Dropped, cam.Address)
		}
	}
	log.Info().Stringer("from", t.From).Stringer("to", t.To).
		Int("delivered", len(t.Delivered)).Int("dropped", len(t.Dropped)).Msg("Operating mode changed")
	return t
}

func (c *Controller) send(cam models.Camera, m models.OperatingMode) bool {
	if !c.commander.Send(cam.Address, models.NewSetModeCommand(m)) {
		delete(c.delivered, cam.Address)
		return false
	}
	c.delivered[cam.Address] = m
	return true
}

// EnabledText is the System log text of a transition
func EnabledText(m models.OperatingMode) string {
	return m.String() + " mode enabled"
}
