package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeWindowRates(t *testing.T) {
	w := NewOutcomeWindow(100)

	// 25 answered (3 of them abandoned), 75 no-answer.
	for i := 0; i < 22; i++ {
		w.Record(true, false, time.Minute)
	}
	for i := 0; i < 3; i++ {
		w.Record(true, true, 0)
	}
	for i := 0; i < 75; i++ {
		w.Record(false, false, 0)
	}

	assert.Equal(t, 100, w.Size())
	assert.InDelta(t, 0.03, w.AbandonRate(), 1e-9)
	assert.InDelta(t, 0.25, w.AnswerRate(), 1e-9)
}

func TestOutcomeWindowEvictsOldest(t *testing.T) {
	w := NewOutcomeWindow(10)

	for i := 0; i < 10; i++ {
		w.Record(false, false, 0)
	}
	assert.Equal(t, 10, w.Size())
	assert.Equal(t, 0.0, w.AbandonRate())

	// Ten abandons push out every no-answer.
	for i := 0; i < 10; i++ {
		w.Record(true, true, 0)
	}
	assert.Equal(t, 10, w.Size())
	assert.Equal(t, 1.0, w.AbandonRate())
}

func TestOutcomeWindowAvgTalkTime(t *testing.T) {
	w := NewOutcomeWindow(10)
	w.Record(true, false, 2*time.Minute)
	w.Record(true, false, 4*time.Minute)
	w.Record(false, false, 0) // unanswered calls do not dilute the average

	assert.Equal(t, 3*time.Minute, w.AvgTalkTime())
}

func TestOutcomeWindowEmpty(t *testing.T) {
	w := NewOutcomeWindow(100)
	assert.Equal(t, 0, w.Size())
	assert.Equal(t, 0.0, w.AbandonRate())
	assert.Equal(t, 0.0, w.AnswerRate())
	assert.Equal(t, time.Duration(0), w.AvgTalkTime())
}
