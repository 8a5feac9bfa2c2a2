package alert_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vtpl1/safetynet/alert"
)

func TestFourConsecutiveViolationsEscalateOnce(t *testing.T) {
	e := alert.NewEscalation(4)
	var fired []int
	for i := 1; i <= 8; i++ {
		if e.Observe("10.0.0.1", true) {
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{4, 8}, fired)
}

func TestFifthViolationStartsFreshCount(t *testing.T) {
	e := alert.NewEscalation(4)
	for i := 0; i < 4; i++ {
		e.Observe("10.0.0.1", true)
	}
	assert.Equal(t, 0, e.Streak("10.0.0.1"))
	assert.False(t, e.Observe("10.0.0.1", true))
	assert.Equal(t, 1, e.Streak("10.0.0.1"))
}

func TestCompliantDetectionResetsStreak(t *testing.T) {
	e := alert.NewEscalation(4)
	for i := 0; i < 3; i++ {
		assert.False(t, e.Observe("10.0.0.1", true))
	}
	assert.False(t, e.Observe("10.0.0.1", false))
	assert.Equal(t, 0, e.Streak("10.0.0.1"))
	for i := 0; i < 3; i++ {
		assert.False(t, e.Observe("10.0.0.1", true))
	}
	assert.True(t, e.Observe("10.0.0.1", true))
}

func TestStreaksArePerCamera(t *testing.T) {
	e := alert.NewEscalation(2)
	assert.False(t, e.Observe("10.0.0.1", true))
	assert.False(t, e.Observe("10.0.0.2", true))
	assert.True(t, e.Observe("10.0.0.1", true))
	assert.Equal(t, 1, e.Streak("10.0.0.2"))

	e.Forget("10.0.0.2")
	assert.Equal(t, 0, e.Streak("10.0.0.2"))
}

func TestDefaultThreshold(t *testing.T) {
	assert.Equal(t, alert.DefaultThreshold, alert.NewEscalation(0).Threshold())
}
