package poll_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vtpl1/safetynet/models"
	"github.com/vtpl1/safetynet/poll"
)

func newServer(t *testing.T, handler http.HandlerFunc) (models.Camera, poll.Config) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	host, port, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	cfg := poll.DefaultConfig()
	cfg.HTTPPort = p
	cfg.Timeout = time.Second
	return models.Camera{Name: "Cam1", Address: host, Port: 8554}, cfg
}

func TestURL(t *testing.T) {
	cam := models.Camera{Name: "Cam1", Address: "10.0.0.1", Port: 8554}
	assert.Equal(t, "http://10.0.0.1/detections", poll.URL(cam, 0, "/detections"))
	assert.Equal(t, "http://10.0.0.1:8080/person_counts", poll.URL(cam, 8080, "person_counts"))
}

func TestDetectionsAndPersonCounts(t *testing.T) {
	cam, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/detections":
			_, _ = w.Write([]byte(`{"status":"success","detections":[
				{"person_count":2,"helmet_count":1,"safety_vest_count":2,"avg_confidence":0.9,
				 "image_path":"../img/a.jpg","timestamp":"2024-05-01T10:00:00"}]}`))
		case "/person_counts":
			_, _ = w.Write([]byte(`{"status":"success","person_counts":[{"count":3,"timestamp":"2024-05-01T10:00:01"}]}`))
		default:
			http.NotFound(w, r)
		}
	})
	p := poll.New(cfg)

	det, err := p.Detections(cam)
	require.NoError(t, err)
	assert.Equal(t, models.PollStatusSuccess, det.Status)
	require.Len(t, det.Detections, 1)
	assert.Equal(t, 2, det.Detections[0].PersonCount)
	assert.Equal(t, "../img/a.jpg", det.Detections[0].ImagePath)

	counts, err := p.PersonCounts(cam)
	require.NoError(t, err)
	require.Len(t, counts.PersonCounts, 1)
	assert.Equal(t, 3, counts.PersonCounts[0].Count)
}

func TestPollErrors(t *testing.T) {
	cam, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/detections" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	cfg.FailureThreshold = 100
	p := poll.New(cfg)

	_, err := p.Detections(cam)
	assert.ErrorIs(t, err, poll.ErrPoll)
	_, err = p.PersonCounts(cam)
	assert.ErrorIs(t, err, poll.ErrPoll)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int32
	cam, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Minute
	p := poll.New(cfg)

	for i := 0; i < 2; i++ {
		_, err := p.Detections(cam)
		require.ErrorIs(t, err, poll.ErrPoll)
	}
	assert.Equal(t, gobreaker.StateOpen, p.BreakerState(cam.Address))

	_, err := p.PersonCounts(cam)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	p.Forget(cam.Address)
	assert.Equal(t, gobreaker.StateClosed, p.BreakerState(cam.Address))
}
