package dialer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialcore/internal/database"
)

// Preview request states.
const (
	PreviewPending  = "pending"
	PreviewAccepted = "accepted"
	PreviewRejected = "rejected"
	PreviewSkipped  = "skipped"
	PreviewExpired  = "expired"
)

// ErrPreviewExpired is returned when an agent drives a request past its
// deadline.
var ErrPreviewExpired = errors.New("Preview has expired")

// PreviewRequest is one lead offered to one agent for review before dialing.
type PreviewRequest struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agentId"`
	CampaignID string        `json:"campaignId"`
	Lead       database.Lead `json:"lead"`
	State      string        `json:"state"`
	OfferedAt  time.Time     `json:"offeredAt"`
	Deadline   time.Time     `json:"deadline"`
}

// PreviewDialer offers leads to agents on request and only dials on accept.
// Nothing dials on a timer; the expiry watcher just settles requests the
// agent let lapse.
type PreviewDialer struct {
	d        *deps
	campaign *database.Campaign

	mu       sync.Mutex
	pending  map[string]*PreviewRequest // request id -> request
	byAgent  map[string]string          // agent id -> pending request id
	reserved map[string]bool            // lead ids held by pending requests
	settled  map[string]string          // request id -> terminal state

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	offered int64
	dialed  int64
}

func NewPreviewDialer(d *deps, campaign *database.Campaign) *PreviewDialer {
	return &PreviewDialer{
		d:        d,
		campaign: campaign,
		pending:  make(map[string]*PreviewRequest),
		byAgent:  make(map[string]string),
		reserved: make(map[string]bool),
		settled:  make(map[string]string),
		stopChan: make(chan struct{}),
	}
}

func (p *PreviewDialer) Mode() database.DialMode { return database.ModePreview }

func (p *PreviewDialer) Start() {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return
	}
	p.running = true
	p.wg.Add(1)
	p.runMu.Unlock()

	go p.run()
	log.Printf("[Preview:%s] Started (preview_time=%ds auto_dial=%t)",
		p.campaign.ID, p.campaign.Settings.PreviewTimeSec, p.campaign.Settings.AutoDialAfterPreview)
}

func (p *PreviewDialer) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.runMu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	log.Printf("[Preview:%s] Stopped", p.campaign.ID)
}

func (p *PreviewDialer) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.expireOnce(time.Now())
		}
	}
}

// RequestNextLead offers the next eligible lead to the agent. An agent holds
// at most one pending request; asking again returns the same offer.
func (p *PreviewDialer) RequestNextLead(ctx context.Context, agentID string) (*PreviewRequest, error) {
	if !p.campaign.Schedule.Allows(time.Now()) {
		return nil, fmt.Errorf("campaign %s is outside its calling schedule", p.campaign.ID)
	}

	p.mu.Lock()
	if reqID, ok := p.byAgent[agentID]; ok {
		req := p.pending[reqID]
		p.mu.Unlock()
		return req, nil
	}
	p.mu.Unlock()

	s := p.campaign.Settings
	leads, err := p.d.leads.GetEligibleLeads(ctx, p.campaign.ID,
		time.Duration(s.RetryIntervalSec)*time.Second, s.MaxAttempts, 10)
	if err != nil {
		return nil, fmt.Errorf("fetching leads: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another agent may already be previewing one of the fetched leads.
	var lead *database.Lead
	for i := range leads {
		if !p.reserved[leads[i].ID] {
			lead = &leads[i]
			break
		}
	}
	if lead == nil {
		return nil, fmt.Errorf("no leads available in campaign %s", p.campaign.ID)
	}

	now := time.Now()
	req := &PreviewRequest{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		CampaignID: p.campaign.ID,
		Lead:       *lead,
		State:      PreviewPending,
		OfferedAt:  now,
		Deadline:   now.Add(time.Duration(s.PreviewTimeSec) * time.Second),
	}
	p.pending[req.ID] = req
	p.byAgent[agentID] = req.ID
	p.reserved[lead.ID] = true
	p.offered++

	log.Printf("[Preview:%s] Offered lead %s to agent %s (expires %s)",
		p.campaign.ID, lead.ID, agentID, req.Deadline.Format(time.RFC3339))
	return req, nil
}

// Accept dials the previewed lead with the agent attached.
func (p *PreviewDialer) Accept(ctx context.Context, requestID string) (*PreviewRequest, error) {
	req, err := p.settle(requestID, PreviewAccepted, time.Now())
	if err != nil {
		return nil, err
	}

	if _, err := p.d.originateLead(p.campaign, req.Lead, req.AgentID); err != nil {
		return nil, fmt.Errorf("dialing accepted preview: %w", err)
	}

	p.mu.Lock()
	p.dialed++
	p.mu.Unlock()

	p.d.broadcast("preview_accepted", map[string]any{
		"requestId": req.ID,
		"agentId":   req.AgentID,
		"leadId":    req.Lead.ID,
	})
	return req, nil
}

// Reject settles the lead as rejected; it will not be redialed. A "dnc"
// reason puts the lead on the do-not-call list instead.
func (p *PreviewDialer) Reject(ctx context.Context, requestID string, reason string) (*PreviewRequest, error) {
	req, err := p.settle(requestID, PreviewRejected, time.Now())
	if err != nil {
		return nil, err
	}

	leadStatus := database.LeadRejected
	if reason == "dnc" {
		leadStatus = database.LeadDoNotCall
	}
	var result *string
	if reason != "" {
		result = &reason
	}
	if err := p.d.leads.UpdateLeadStatus(ctx, req.Lead.ID, leadStatus, result); err != nil {
		log.Printf("[Preview:%s] Rejecting lead %s failed: %v", p.campaign.ID, req.Lead.ID, err)
	}
	return req, nil
}

// Skip returns the lead to the pool without consuming an attempt and records
// who skipped it.
func (p *PreviewDialer) Skip(ctx context.Context, requestID string) (*PreviewRequest, error) {
	req, err := p.settle(requestID, PreviewSkipped, time.Now())
	if err != nil {
		return nil, err
	}

	if err := p.d.leads.RecordLeadSkip(ctx, req.Lead.ID, req.AgentID); err != nil {
		log.Printf("[Preview:%s] Recording skip of lead %s failed: %v", p.campaign.ID, req.Lead.ID, err)
	}
	return req, nil
}

// settle moves a pending request to a final state. Driving a settled request
// reports what it already became; driving past the deadline fails.
func (p *PreviewDialer) settle(requestID, state string, now time.Time) (*PreviewRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.pending[requestID]
	if !ok {
		if prior, ok := p.settled[requestID]; ok {
			if prior == PreviewExpired {
				return nil, ErrPreviewExpired
			}
			return nil, fmt.Errorf("%w: already %s", ErrAlreadySettled, prior)
		}
		return nil, fmt.Errorf("preview request %s not found", requestID)
	}
	if now.After(req.Deadline) {
		return nil, ErrPreviewExpired
	}

	req.State = state
	p.settled[requestID] = state
	delete(p.pending, requestID)
	delete(p.byAgent, req.AgentID)
	delete(p.reserved, req.Lead.ID)
	return req, nil
}

// expireOnce settles every pending request past its deadline. With auto-dial
// enabled the lapse dials the lead as if the agent accepted.
func (p *PreviewDialer) expireOnce(now time.Time) {
	p.mu.Lock()
	var lapsed []*PreviewRequest
	for id, req := range p.pending {
		if now.After(req.Deadline) {
			req.State = PreviewExpired
			p.settled[id] = PreviewExpired
			delete(p.pending, id)
			delete(p.byAgent, req.AgentID)
			delete(p.reserved, req.Lead.ID)
			lapsed = append(lapsed, req)
		}
	}
	p.mu.Unlock()

	for _, req := range lapsed {
		if p.campaign.Settings.AutoDialAfterPreview {
			log.Printf("[Preview:%s] Preview %s lapsed, auto-dialing lead %s for agent %s",
				p.campaign.ID, req.ID, req.Lead.ID, req.AgentID)
			if _, err := p.d.originateLead(p.campaign, req.Lead, req.AgentID); err != nil {
				log.Printf("[Preview:%s] Auto-dial of lead %s failed: %v", p.campaign.ID, req.Lead.ID, err)
			} else {
				p.mu.Lock()
				p.dialed++
				p.mu.Unlock()
			}
			continue
		}
		log.Printf("[Preview:%s] Preview %s for agent %s expired", p.campaign.ID, req.ID, req.AgentID)
		p.d.broadcast("preview_expired", map[string]any{
			"requestId": req.ID,
			"agentId":   req.AgentID,
			"leadId":    req.Lead.ID,
		})
	}
}

// Metrics reports the live preview state.
func (p *PreviewDialer) Metrics() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"mode":            string(database.ModePreview),
		"pendingPreviews": len(p.pending),
		"offered":         p.offered,
		"dialed":          p.dialed,
		"activeLines":     p.d.lines.ActiveForCampaign(p.campaign.ID),
	}
}
