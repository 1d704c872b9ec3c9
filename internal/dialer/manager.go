package dialer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"dialcore/internal/calls"
	"dialcore/internal/config"
	"dialcore/internal/database"
	"dialcore/internal/esl"
	"dialcore/internal/events"
)

// hangupCauseStatus maps switch hangup causes to terminal call statuses.
// Unlisted causes settle as failed.
var hangupCauseStatus = map[string]calls.Status{
	"NO_ANSWER":         calls.StatusNoAnswer,
	"NO_USER_RESPONSE":  calls.StatusNoAnswer,
	"USER_BUSY":         calls.StatusBusy,
	"CALL_REJECTED":     calls.StatusBusy,
	"ORIGINATOR_CANCEL": calls.StatusAbandoned,
	"LOSE_RACE":         calls.StatusAbandoned,
	"NORMAL_CLEARING":   calls.StatusCompleted,
	"SUCCESS":           calls.StatusCompleted,
}

// leadStatusFor maps a terminal call status to the lead settlement status.
func leadStatusFor(s calls.Status) string {
	switch s {
	case calls.StatusCompleted:
		return database.LeadContacted
	case calls.StatusNoAnswer:
		return database.LeadNoAnswer
	case calls.StatusBusy:
		return database.LeadBusy
	case calls.StatusAbandoned:
		return database.LeadAbandoned
	default:
		return database.LeadFailed
	}
}

// Manager owns one dialer per running campaign and turns the switch event
// stream into call state transitions. All switch events funnel through here;
// the per-campaign dialers only place calls and pair agents.
type Manager struct {
	d   *deps
	cfg config.DialerConfig

	mu        sync.RWMutex
	dialers   map[string]Dialer
	campaigns map[string]*database.Campaign
	stopped   bool

	watchdog *Watchdog

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager wires the dialer engine together.
func NewManager(store CallStore, leads LeadSource, sw Switch, sink EventSink, hub Broadcaster, cfg config.DialerConfig) *Manager {
	d := &deps{
		store:  store,
		leads:  leads,
		sw:     sw,
		lines:  NewLinePool(cfg.MaxLines, cfg.MaxLinesPerCamp),
		events: sink,
		hub:    hub,
	}
	m := &Manager{
		d:         d,
		cfg:       cfg,
		dialers:   make(map[string]Dialer),
		campaigns: make(map[string]*database.Campaign),
		stopChan:  make(chan struct{}),
	}
	m.watchdog = NewWatchdog(d, cfg.WatchdogInterval, cfg.RingGrace, cfg.InitiatedMaxAge)
	return m
}

// Run starts the watchdog, optionally autostarts active campaigns, and
// consumes the switch event stream until Shutdown.
func (m *Manager) Run(eventCh <-chan esl.Event) {
	m.watchdog.Start()

	if m.cfg.AutostartCampaigns {
		m.autostart()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopChan:
				return
			case ev, ok := <-eventCh:
				if !ok {
					return
				}
				m.HandleEvent(ev)
			}
		}
	}()

	m.wg.Add(1)
	go m.statsLoop()
}

// statsLoop pushes each running campaign's live metrics to the websocket
// hub, the same payload the status endpoint serves.
func (m *Manager) statsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.RLock()
			snapshots := make(map[string]Dialer, len(m.dialers))
			for id, d := range m.dialers {
				snapshots[id] = d
			}
			m.mu.RUnlock()

			for id, d := range snapshots {
				m.d.broadcast("campaign_stats", map[string]any{
					"campaignId": id,
					"metrics":    d.Metrics(),
				})
			}
		}
	}
}

func (m *Manager) autostart() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := m.d.leads.ListCampaignIDsByStatus(ctx, database.CampaignActive)
	if err != nil {
		log.Printf("[Manager] Listing active campaigns failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := m.StartCampaign(ctx, id); err != nil {
			log.Printf("[Manager] Autostart of campaign %s failed: %v", id, err)
		}
	}
}

// StartCampaign spins up the dialer for one campaign. Starting an already
// running campaign is a no-op.
func (m *Manager) StartCampaign(ctx context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dialers[campaignID]; ok {
		return nil
	}

	campaign, err := m.d.leads.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("loading campaign %s: %w", campaignID, err)
	}
	if campaign.Status != database.CampaignActive {
		return fmt.Errorf("Campaign %s is not active (status: %s)", campaignID, campaign.Status)
	}
	if err := campaign.Settings.Validate(campaign.DialMode); err != nil {
		return fmt.Errorf("campaign %s: %w", campaignID, err)
	}

	var dialer Dialer
	switch campaign.DialMode {
	case database.ModePredictive:
		dialer = NewPredictiveDialer(m.d, campaign)
	case database.ModeProgressive:
		dialer = NewProgressiveDialer(m.d, campaign)
	case database.ModePreview:
		dialer = NewPreviewDialer(m.d, campaign)
	default:
		return fmt.Errorf("campaign %s: unsupported dial mode %q", campaignID, campaign.DialMode)
	}

	m.dialers[campaignID] = dialer
	m.campaigns[campaignID] = campaign
	dialer.Start()

	m.d.broadcast("campaign_started", map[string]any{
		"campaignId": campaignID,
		"mode":       string(campaign.DialMode),
	})
	log.Printf("[Manager] Campaign %s started in %s mode", campaignID, campaign.DialMode)
	return nil
}

// StopCampaign stops and removes one campaign's dialer. In-flight calls are
// left to finish; only new dialing stops.
func (m *Manager) StopCampaign(campaignID string) error {
	m.mu.Lock()
	dialer, ok := m.dialers[campaignID]
	if ok {
		delete(m.dialers, campaignID)
		delete(m.campaigns, campaignID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotRunning)
	}

	dialer.Stop()
	m.d.broadcast("campaign_stopped", map[string]any{"campaignId": campaignID})
	log.Printf("[Manager] Campaign %s stopped", campaignID)
	return nil
}

// RunningCampaigns lists the ids of campaigns with a live dialer.
func (m *Manager) RunningCampaigns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.dialers))
	for id := range m.dialers {
		ids = append(ids, id)
	}
	return ids
}

// CampaignMetrics reports one campaign's live pacing state.
func (m *Manager) CampaignMetrics(campaignID string) (map[string]any, error) {
	m.mu.RLock()
	dialer, ok := m.dialers[campaignID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotRunning)
	}
	return dialer.Metrics(), nil
}

// PreviewFor returns the preview dialer for a campaign, if it runs one.
func (m *Manager) PreviewFor(campaignID string) (*PreviewDialer, error) {
	m.mu.RLock()
	dialer, ok := m.dialers[campaignID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotRunning)
	}
	pd, ok := dialer.(*PreviewDialer)
	if !ok {
		return nil, fmt.Errorf("campaign %s is not in preview mode", campaignID)
	}
	return pd, nil
}

// Lines exposes the shared line pool for metrics.
func (m *Manager) Lines() *LinePool { return m.d.lines }

// Shutdown stops every dialer, the watchdog, and the event loop.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		// The stopped flag keeps startWrapUp from adding to the WaitGroup
		// once Wait has begun.
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopChan)
	})
	m.wg.Wait()

	m.mu.Lock()
	dialers := make([]Dialer, 0, len(m.dialers))
	for id, d := range m.dialers {
		dialers = append(dialers, d)
		delete(m.dialers, id)
		delete(m.campaigns, id)
	}
	m.mu.Unlock()

	for _, d := range dialers {
		d.Stop()
	}
	m.watchdog.Stop()
	log.Printf("[Manager] Shut down")
}

// HandleEvent routes one switch event. Events without a call correlation
// variable belong to channels this engine did not originate and are ignored.
func (m *Manager) HandleEvent(ev esl.Event) {
	callID := ev.Var(esl.VarCallID)
	if callID == "" {
		return
	}

	switch ev.Name {
	case "CHANNEL_CREATE":
		m.onChannelCreate(callID, ev)
	case "CHANNEL_ANSWER":
		m.onChannelAnswer(callID, ev)
	case "CHANNEL_HANGUP_COMPLETE":
		m.onChannelHangup(callID, ev)
	}
}

// onChannelCreate binds the switch channel to the call and moves it to
// ringing.
func (m *Manager) onChannelCreate(callID string, ev esl.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	uuid := ev.UUID()
	sipID := ev.Get("Channel-Call-UUID")
	status := calls.StatusRinging
	call, err := m.d.store.UpdateCall(ctx, callID, calls.Patch{Status: &status, SwitchUUID: &uuid, SIPID: &sipID})
	if err != nil {
		log.Printf("[Manager] Ringing update for call %s failed: %v", callID, err)
		return
	}
	m.d.broadcast("call_ringing", map[string]any{"callId": call.ID, "phone": call.Phone})
}

// onChannelAnswer stamps the answer time. Calls with an agent already bound
// (preview, or manual) connect immediately; paced calls go to the campaign's
// pairing queue.
func (m *Manager) onChannelAnswer(callID string, ev esl.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	agentID := ev.Var(esl.VarAgentID)
	call, err := m.d.store.AnswerCall(ctx, callID, agentID)
	if err != nil {
		log.Printf("[Manager] Answer update for call %s failed: %v", callID, err)
		return
	}
	m.d.broadcast("call_answered", map[string]any{"callId": call.ID, "phone": call.Phone, "agentId": agentID})
	m.d.events.PublishCall(ctx, events.TopicCallsAnswered, call)

	if agentID != "" {
		if _, err := m.d.store.AttachAgentCall(ctx, agentID, callID); err != nil {
			log.Printf("[Manager] Attaching agent %s to call %s failed: %v", agentID, callID, err)
		}
		status := calls.StatusConnected
		if _, err := m.d.store.UpdateCall(ctx, callID, calls.Patch{Status: &status}); err != nil {
			log.Printf("[Manager] Connect update for call %s failed: %v", callID, err)
		}
		return
	}

	m.mu.RLock()
	dialer := m.dialers[call.CampaignID]
	m.mu.RUnlock()
	if notifier, ok := dialer.(answerNotifier); ok {
		notifier.OnCallAnswered(call.ID, call.Phone)
	}
}

// onChannelHangup settles the call from the switch hangup cause. EndCall is
// idempotent: when the matcher or watchdog already terminated the call this
// is a no-op and no duplicate event or outcome is recorded.
func (m *Manager) onChannelHangup(callID string, ev esl.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	cause := ev.Get("Hangup-Cause")
	status, ok := hangupCauseStatus[cause]
	if !ok {
		status = calls.StatusFailed
	}

	call, performed, err := m.d.store.EndCall(ctx, callID, status)
	if err != nil {
		log.Printf("[Manager] End update for call %s failed: %v", callID, err)
		return
	}
	if !performed {
		return
	}

	log.Printf("[Manager] Call %s ended: %s (cause=%s talk=%dms)", call.ID, call.Status, cause, call.TalkDurationMs)

	if call.CampaignID != "" {
		m.d.lines.Release(call.CampaignID)
	}
	m.settleLead(ctx, call)
	m.recordOutcome(call)
	m.startWrapUp(call)

	m.d.events.PublishCall(ctx, events.TopicCallsEnded, call)
	m.d.broadcast("call_ended", map[string]any{
		"callId": call.ID,
		"phone":  call.Phone,
		"status": string(call.Status),
		"cause":  cause,
	})
}

func (m *Manager) settleLead(ctx context.Context, call *calls.Call) {
	if call.LeadID == "" {
		return
	}
	maxAttempts := 3
	m.mu.RLock()
	if camp, ok := m.campaigns[call.CampaignID]; ok {
		maxAttempts = camp.Settings.MaxAttempts
	}
	m.mu.RUnlock()

	if err := m.d.leads.SettleLead(ctx, call.LeadID, leadStatusFor(call.Status), nil, maxAttempts); err != nil {
		log.Printf("[Manager] Settling lead %s failed: %v", call.LeadID, err)
	}
}

// recordOutcome feeds the campaign's pacing window. Only calls this handler
// settled reach here, so matcher-driven abandons are never double-counted.
func (m *Manager) recordOutcome(call *calls.Call) {
	m.mu.RLock()
	dialer := m.dialers[call.CampaignID]
	m.mu.RUnlock()

	recorder, ok := dialer.(outcomeRecorder)
	if !ok {
		return
	}
	recorder.RecordCallOutcome(
		call.AnswerTime != nil,
		call.Status == calls.StatusAbandoned,
		time.Duration(call.TalkDurationMs)*time.Millisecond,
	)
}

// startWrapUp moves the call's agent to wrap-up and releases them to
// available after the campaign's wrap-up time.
func (m *Manager) startWrapUp(call *calls.Call) {
	if call.AgentID == "" {
		return
	}

	wrapUp := time.Duration(0)
	m.mu.RLock()
	if camp, ok := m.campaigns[call.CampaignID]; ok {
		wrapUp = time.Duration(camp.Settings.WrapUpTimeSec) * time.Second
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if wrapUp <= 0 {
		if _, err := m.d.store.UpdateAgentStatus(ctx, call.AgentID, call.TenantID, calls.AgentAvailable, ""); err != nil {
			log.Printf("[Manager] Releasing agent %s failed: %v", call.AgentID, err)
		}
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		// No timer will fire after shutdown; release the agent now.
		if _, err := m.d.store.UpdateAgentStatus(ctx, call.AgentID, call.TenantID, calls.AgentAvailable, ""); err != nil {
			log.Printf("[Manager] Releasing agent %s failed: %v", call.AgentID, err)
		}
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if _, err := m.d.store.UpdateAgentStatus(ctx, call.AgentID, call.TenantID, calls.AgentWrapUp, ""); err != nil {
		log.Printf("[Manager] Wrap-up for agent %s failed: %v", call.AgentID, err)
		m.wg.Done()
		return
	}

	agentID, tenantID := call.AgentID, call.TenantID
	go func() {
		defer m.wg.Done()
		select {
		case <-m.stopChan:
			return
		case <-time.After(wrapUp):
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		agent, err := m.d.store.GetAgent(ctx, agentID)
		if err != nil {
			return
		}
		// The agent may have gone on break or picked up another call during
		// wrap-up; only the wrap-up state auto-releases.
		if agent.State != calls.AgentWrapUp {
			return
		}
		if _, err := m.d.store.UpdateAgentStatus(ctx, agentID, tenantID, calls.AgentAvailable, ""); err != nil {
			log.Printf("[Manager] Releasing agent %s after wrap-up failed: %v", agentID, err)
		}
	}()
}
