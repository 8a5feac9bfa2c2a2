package mode_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vtpl1/safetynet/mode"
	"github.com/vtpl1/safetynet/models"
)

type sent struct {
	address string
	cmd     models.SetModeCommand
}

type fakeCommander struct {
	connected map[string]bool
	sent      []sent
}

func newFakeCommander(connected ...string) *fakeCommander {
	f := &fakeCommander{connected: make(map[string]bool)}
	for _, a := range connected {
		f.connected[a] = true
	}
	return f
}

func (f *fakeCommander) Send(address string, msg any) bool {
	if !f.connected[address] {
		return false
	}
	f.sent = append(f.sent, sent{address, msg.(models.SetModeCommand)})
	return true
}

var (
	cam1 = models.Camera{Name: "Cam1", Address: "10.0.0.1"}
	cam2 = models.Camera{Name: "Cam2", Address: "10.0.0.2"}
)

func TestEmptyRegistryHasNoMode(t *testing.T) {
	c := mode.NewController(newFakeCommander())
	assert.Equal(t, models.ModeNone, c.Active())
	_, changed := c.Reconcile(nil)
	assert.False(t, changed)

	_, err := c.Select(models.ModeBlur, nil)
	assert.True(t, errors.Is(err, mode.ErrNoCameras))
}

func TestFirstCameraSelectsRaw(t *testing.T) {
	f := newFakeCommander("10.0.0.1")
	c := mode.NewController(f)
	tr, changed := c.Reconcile([]models.Camera{cam1})
	require.True(t, changed)
	assert.Equal(t, models.ModeNone, tr.From)
	assert.Equal(t, models.ModeRaw, tr.To)
	assert.Equal(t, []string{"10.0.0.1"}, tr.Delivered)
	assert.Equal(t, []sent{{"10.0.0.1", models.SetModeCommand{Type: "set_mode", Mode: "raw"}}}, f.sent)

	_, changed = c.Reconcile([]models.Camera{cam1, cam2})
	assert.False(t, changed)
	assert.Equal(t, models.ModeRaw, c.Active())
}

func TestSelectIsExclusiveAndBestEffort(t *testing.T) {
	f := newFakeCommander("10.0.0.1")
	c := mode.NewController(f)
	cams := []models.Camera{cam1, cam2}
	c.Reconcile(cams)

	tr, err := c.Select(models.ModePPE, cams)
	require.NoError(t, err)
	assert.Equal(t, models.ModeRaw, tr.From)
	assert.Equal(t, []string{"10.0.0.1"}, tr.Delivered)
	assert.Equal(t, []string{"10.0.0.2"}, tr.Dropped)

	state := c.State()
	assert.Equal(t, models.ModePPE, state.Active)
	active := 0
	for _, on := range state.Toggles {
		if on {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.True(t, state.Toggles[models.ModePPE])
	assert.Equal(t, "detect", f.sent[len(f.sent)-1].cmd.Mode)
}

func TestDeselectFallsBackToRaw(t *testing.T) {
	c := mode.NewController(newFakeCommander("10.0.0.1"))
	cams := []models.Camera{cam1}
	c.Reconcile(cams)
	_, err := c.Select(models.ModeBlur, cams)
	require.NoError(t, err)

	_, changed := c.Deselect(models.ModeFallDetection, cams)
	assert.False(t, changed)
	assert.Equal(t, models.ModeBlur, c.Active())

	tr, changed := c.Deselect(models.ModeBlur, cams)
	require.True(t, changed)
	assert.Equal(t, models.ModeRaw, tr.To)
	assert.Equal(t, models.ModeRaw, c.Active())

	_, changed = c.Deselect(models.ModeRaw, cams)
	assert.False(t, changed)
	assert.Equal(t, models.ModeRaw, c.Active())
}

func TestRegistryDrainClearsMode(t *testing.T) {
	c := mode.NewController(newFakeCommander())
	c.Reconcile([]models.Camera{cam1})
	_, err := c.Select(models.ModeNightIntrusion, []models.Camera{cam1})
	require.NoError(t, err)

	tr, changed := c.Reconcile(nil)
	require.True(t, changed)
	assert.Equal(t, models.ModeNone, tr.To)
	assert.Equal(t, models.ModeNone, c.Active())

	c.Reconcile([]models.Camera{cam2})
	assert.Equal(t, models.ModeRaw, c.Active())
}

func TestSyncSendsOnlyMissingMode(t *testing.T) {
	f := newFakeCommander()
	c := mode.NewController(f)
	c.Reconcile([]models.Camera{cam1})
	assert.Empty(t, f.sent)

	f.connected["10.0.0.1"] = true
	assert.True(t, c.Sync(cam1))
	assert.False(t, c.Sync(cam1))
	require.Len(t, f.sent, 1)
	assert.Equal(t, "raw", f.sent[0].cmd.Mode)

	c.Disconnected("10.0.0.1")
	assert.True(t, c.Sync(cam1))
	assert.Len(t, f.sent, 2)
}

func TestRejectedAckDoesNotRollBack(t *testing.T) {
	c := mode.NewController(newFakeCommander("10.0.0.1"))
	cams := []models.Camera{cam1}
	c.Reconcile(cams)
	_, err := c.Select(models.ModeBlur, cams)
	require.NoError(t, err)

	err = c.HandleAck("10.0.0.1", models.ModeChangeAck{Status: "error", Mode: "blur", Message: "model not loaded"})
	assert.True(t, errors.Is(err, mode.ErrRejected))
	assert.Equal(t, models.ModeBlur, c.Active())

	assert.NoError(t, c.HandleAck("10.0.0.1", models.ModeChangeAck{Status: "success", Mode: "blur"}))
}

func TestSelectNoneIsInvalid(t *testing.T) {
	c := mode.NewController(newFakeCommander())
	_, err := c.Select(models.ModeNone, []models.Camera{cam1})
	assert.True(t, errors.Is(err, mode.ErrInvalidMode))
}
