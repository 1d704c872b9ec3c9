package dialer

import (
	"sync"
	"time"
)

// outcome is one finished call as the pacing controller sees it.
type outcome struct {
	answered  bool
	abandoned bool
	talkTime  time.Duration
}

// OutcomeWindow is a fixed-capacity ring buffer over the most recent call
// outcomes. The oldest entry is evicted at capacity; the buffer never grows.
type OutcomeWindow struct {
	mu   sync.Mutex
	buf  []outcome
	next int
	size int
}

// NewOutcomeWindow creates a window holding the last capacity outcomes.
func NewOutcomeWindow(capacity int) *OutcomeWindow {
	if capacity <= 0 {
		capacity = 100
	}
	return &OutcomeWindow{buf: make([]outcome, capacity)}
}

// Record appends an outcome, evicting the oldest at capacity.
func (w *OutcomeWindow) Record(answered, abandoned bool, talkTime time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = outcome{answered: answered, abandoned: abandoned, talkTime: talkTime}
	w.next = (w.next + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

// Size returns how many outcomes the window currently holds.
func (w *OutcomeWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// AbandonRate is abandons over the whole window.
func (w *OutcomeWindow) AbandonRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return 0
	}
	abandons := 0
	for i := 0; i < w.size; i++ {
		if w.buf[i].abandoned {
			abandons++
		}
	}
	return float64(abandons) / float64(w.size)
}

// AnswerRate is answered calls over the whole window.
func (w *OutcomeWindow) AnswerRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return 0
	}
	answered := 0
	for i := 0; i < w.size; i++ {
		if w.buf[i].answered {
			answered++
		}
	}
	return float64(answered) / float64(w.size)
}

// AvgTalkTime averages talk time across answered outcomes.
func (w *OutcomeWindow) AvgTalkTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total time.Duration
	answered := 0
	for i := 0; i < w.size; i++ {
		if w.buf[i].answered {
			total += w.buf[i].talkTime
			answered++
		}
	}
	if answered == 0 {
		return 0
	}
	return total / time.Duration(answered)
}
