package models_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vtpl1/safetynet/models"
)

func TestParseCamera(t *testing.T) {
	cam, err := models.ParseCamera("Front Door=192.168.0.54:8554")
	require.NoError(t, err)
	assert.Equal(t, models.Camera{Name: "Front Door", Address: "192.168.0.54", Port: 8554}, cam)

	cam, err = models.ParseCamera("Cam1=10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, models.Camera{Name: "Cam1", Address: "10.0.0.1"}, cam)

	for _, s := range []string{"", "Cam1", "=10.0.0.1", "Cam1=", "Cam1=10.0.0.1:x", "Cam1=10.0.0.1:70000"} {
		_, err = models.ParseCamera(s)
		assert.Error(t, err, s)
	}
}

func TestCameraURLs(t *testing.T) {
	cam := models.Camera{Name: "Cam1", Address: "10.0.0.1", Port: 8554}
	assert.Equal(t, "rtsps://10.0.0.1:8554/detect", cam.StreamURL(models.ModePPE))
	assert.Equal(t, "rtsps://10.0.0.1:8554/raw", cam.StreamURL(models.ModeNone))
	assert.Equal(t, "wss://10.0.0.1:8554/ws", cam.ControlURL("wss", "ws"))
	assert.Equal(t, "Cam1 (10.0.0.1:8554)", cam.String())

	noPort := models.Camera{Name: "Cam2", Address: "10.0.0.2"}
	assert.Equal(t, "rtsps://10.0.0.2/fall", noPort.StreamURL(models.ModeFallDetection))
}

func TestImageURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1/img/1.jpg", models.ImageURL("10.0.0.1", "img/1.jpg"))
	assert.Equal(t, "http://10.0.0.1/captures/a.jpg", models.ImageURL("10.0.0.1", "../../captures/a.jpg"))
	assert.Equal(t, "http://10.0.0.1/a.jpg", models.ImageURL("10.0.0.1", "/a.jpg"))
	assert.Equal(t, "", models.ImageURL("10.0.0.1", ""))
}

func TestParseMode(t *testing.T) {
	for _, m := range models.Modes {
		got, err := models.ParseMode(m.WireName())
		require.NoError(t, err)
		assert.Equal(t, m, got)
		got, err = models.ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := models.ParseMode("thermal")
	assert.True(t, errors.Is(err, models.ErrUnknownMode))
	_, err = models.ParseMode("None")
	assert.Error(t, err)
}
