// Package alert promotes repeated PPE violations into escalations.
package alert

import "fmt"

// DefaultThreshold is the number of consecutive violations that escalate
const DefaultThreshold = 4

// Escalation keeps one violation streak per camera address
type Escalation struct {
	threshold int
	streaks   map[string]int
}

func NewEscalation(threshold int) *Escalation {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Escalation{threshold: threshold, streaks: make(map[string]int)}
}

// Observe records one PPE classification for address and reports whether
// the streak reached the threshold. The streak restarts from zero after an
// escalation and after every compliant detection.
func (e *Escalation) Observe(address string, violation bool) bool {
	if !violation {
		delete(e.streaks, address)
		return false
	}
	e.streaks[address]++
	if e.streaks[address] < e.threshold {
		return false
	}
	delete(e.streaks, address)
	return true
}

// Streak returns the current count for address
func (e *Escalation) Streak(address string) int {
	return e.streaks[address]
}

func (e *Escalation) Forget(address string) {
	delete(e.streaks, address)
}

func (e *Escalation) Threshold() int {
	return e.threshold
}

// Text is the escalation message shown to the operator
func (e *Escalation) Text(cameraName, violation string) string {
	return fmt.Sprintf("%s: %d consecutive PPE violations (last: %s)", cameraName, e.threshold, violation)
}
