package dialer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"dialcore/internal/calls"
	"dialcore/internal/esl"
	"dialcore/internal/events"
)

// waitingCall is an answered outbound leg parked until an agent frees up.
type waitingCall struct {
	callID   string
	phone    string
	enqueued time.Time
}

// agentMatcher pairs answered calls with idle agents. Waiting calls pair in
// insertion order; agents pair longest-idle first (ties break by agent id).
// A call that waits past the wait-for-agent cap is force-terminated and
// counted as abandoned — the quantity the predictive controller regulates.
type agentMatcher struct {
	d            *deps
	tenantID     string
	campaignID   string
	waitForAgent time.Duration

	// onAbandon closes the predictive pacing loop; nil for progressive.
	onAbandon func()

	mu      sync.Mutex
	waiting []waitingCall

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	abandoned int64
	paired    int64
}

func newAgentMatcher(d *deps, tenantID, campaignID string, waitForAgent time.Duration, onAbandon func()) *agentMatcher {
	return &agentMatcher{
		d:            d,
		tenantID:     tenantID,
		campaignID:   campaignID,
		waitForAgent: waitForAgent,
		onAbandon:    onAbandon,
		stopChan:     make(chan struct{}),
	}
}

func (m *agentMatcher) Start() {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.runMu.Unlock()

	go m.run()
}

func (m *agentMatcher) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runMu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
}

func (m *agentMatcher) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.pairOnce()
			m.expireOnce(time.Now())
		}
	}
}

// Enqueue adds an answered call to the waiting queue.
func (m *agentMatcher) Enqueue(callID, phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = append(m.waiting, waitingCall{callID: callID, phone: phone, enqueued: time.Now()})
	log.Printf("[Matcher:%s] Call %s waiting for agent (%d in queue)", m.campaignID, callID, len(m.waiting))
}

// WaitingCount reports the queue depth for metrics.
func (m *agentMatcher) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// pairOnce matches as many waiting calls as there are idle agents.
func (m *agentMatcher) pairOnce() {
	m.mu.Lock()
	if len(m.waiting) == 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	agents, err := m.d.store.GetAvailableAgents(ctx, m.tenantID)
	if err != nil {
		log.Printf("[Matcher:%s] Reading available agents failed: %v", m.campaignID, err)
		return
	}
	if len(agents) == 0 {
		return
	}

	for _, agent := range agents {
		next, ok := m.popNext(ctx)
		if !ok {
			return
		}
		m.pair(ctx, next, agent.AgentID)
	}
}

// popNext pops the oldest waiting call that is still live. Calls that ended
// while waiting (callee hung up) are dropped silently; the hangup handler
// already settled them.
func (m *agentMatcher) popNext(ctx context.Context) (waitingCall, bool) {
	for {
		m.mu.Lock()
		if len(m.waiting) == 0 {
			m.mu.Unlock()
			return waitingCall{}, false
		}
		next := m.waiting[0]
		m.waiting = m.waiting[1:]
		m.mu.Unlock()

		call, err := m.d.store.GetCall(ctx, next.callID)
		if errors.Is(err, calls.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("[Matcher:%s] Reading call %s failed: %v", m.campaignID, next.callID, err)
			continue
		}
		if call.Status.Terminal() {
			continue
		}
		return next, true
	}
}

func (m *agentMatcher) pair(ctx context.Context, wc waitingCall, agentID string) {
	if _, err := m.d.store.AttachAgentCall(ctx, agentID, wc.callID); err != nil {
		log.Printf("[Matcher:%s] Attaching agent %s failed: %v", m.campaignID, agentID, err)
		m.requeueFront(wc)
		return
	}

	status := calls.StatusConnected
	call, err := m.d.store.UpdateCall(ctx, wc.callID, calls.Patch{Status: &status, AgentID: &agentID})
	if err != nil {
		log.Printf("[Matcher:%s] Connecting call %s failed: %v", m.campaignID, wc.callID, err)
		return
	}

	// Stamp the agent on the channel so the switch routing rule bridges the
	// parked leg to the agent endpoint.
	if call.SwitchUUID != "" {
		if err := m.d.sw.SetVar(ctx, call.SwitchUUID, esl.VarAgentID, agentID); err != nil {
			log.Printf("[Matcher:%s] Setting agent var on %s failed: %v", m.campaignID, call.SwitchUUID, err)
		}
	}

	m.mu.Lock()
	m.paired++
	m.mu.Unlock()

	m.d.broadcast("call_connected", map[string]any{
		"callId":  call.ID,
		"agentId": agentID,
		"phone":   call.Phone,
	})
	log.Printf("[Matcher:%s] Paired call %s with agent %s (waited %s)",
		m.campaignID, wc.callID, agentID, time.Since(wc.enqueued).Round(time.Millisecond))
}

func (m *agentMatcher) requeueFront(wc waitingCall) {
	m.mu.Lock()
	m.waiting = append([]waitingCall{wc}, m.waiting...)
	m.mu.Unlock()
}

// expireOnce abandons every waiting call older than the wait-for-agent cap.
func (m *agentMatcher) expireOnce(now time.Time) {
	m.mu.Lock()
	var expired []waitingCall
	kept := m.waiting[:0]
	for _, wc := range m.waiting {
		if now.Sub(wc.enqueued) > m.waitForAgent {
			expired = append(expired, wc)
		} else {
			kept = append(kept, wc)
		}
	}
	m.waiting = kept
	m.mu.Unlock()

	for _, wc := range expired {
		m.abandon(wc)
	}
}

func (m *agentMatcher) abandon(wc waitingCall) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	call, err := m.d.store.GetCall(ctx, wc.callID)
	if err != nil {
		return
	}
	if call.Status.Terminal() {
		return
	}

	if call.SwitchUUID != "" {
		if err := m.d.sw.Hangup(ctx, call.SwitchUUID, "NO_USER_RESPONSE"); err != nil {
			log.Printf("[Matcher:%s] Hangup of abandoned call %s failed: %v", m.campaignID, wc.callID, err)
		}
	}

	ended, performed, err := m.d.store.EndCall(ctx, wc.callID, calls.StatusAbandoned)
	if err != nil {
		log.Printf("[Matcher:%s] Ending abandoned call %s failed: %v", m.campaignID, wc.callID, err)
		return
	}
	if !performed {
		return
	}

	m.mu.Lock()
	m.abandoned++
	m.mu.Unlock()

	m.d.lines.Release(m.campaignID)
	m.d.events.PublishCall(ctx, events.TopicCallsEnded, ended)
	m.d.broadcast("call_abandoned", map[string]any{"callId": ended.ID, "phone": ended.Phone})
	if m.onAbandon != nil {
		m.onAbandon()
	}
	log.Printf("[Matcher:%s] Abandoned call %s after %s with no agent",
		m.campaignID, wc.callID, time.Since(wc.enqueued).Round(time.Millisecond))
}

// Stats reports pairing counters for campaign metrics.
func (m *agentMatcher) Stats() (paired, abandoned int64, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paired, m.abandoned, len(m.waiting)
}
