package dialer

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcore/internal/database"
)

// progressiveTick paces slower than predictive; there is no overdial to
// keep fed, only one call per idle agent.
const progressiveTick = 2 * time.Second

// ProgressiveDialer places at most calls_per_agent calls per idle agent.
// No overdialing means abandonment only happens when a callee answers and
// every agent went busy in the ring window, so the matcher still runs but
// its queue is usually empty.
type ProgressiveDialer struct {
	d        *deps
	campaign *database.Campaign
	matcher  *agentMatcher

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	noLeadsLogged bool
}

func NewProgressiveDialer(d *deps, campaign *database.Campaign) *ProgressiveDialer {
	p := &ProgressiveDialer{
		d:        d,
		campaign: campaign,
		stopChan: make(chan struct{}),
	}
	p.matcher = newAgentMatcher(d, campaign.TenantID, campaign.ID,
		time.Duration(campaign.Settings.WaitForAgentSec)*time.Second, nil)
	return p
}

func (p *ProgressiveDialer) Mode() database.DialMode { return database.ModeProgressive }

func (p *ProgressiveDialer) Start() {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return
	}
	p.running = true
	p.wg.Add(1)
	p.runMu.Unlock()

	p.matcher.Start()
	go p.run()
	log.Printf("[Progressive:%s] Started (calls_per_agent=%d)",
		p.campaign.ID, p.campaign.Settings.CallsPerAgent)
}

func (p *ProgressiveDialer) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.runMu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	p.matcher.Stop()
	log.Printf("[Progressive:%s] Stopped", p.campaign.ID)
}

func (p *ProgressiveDialer) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(progressiveTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.dialOnce()
		}
	}
}

// OnCallAnswered queues the answered call for agent pairing.
func (p *ProgressiveDialer) OnCallAnswered(callID, phone string) {
	p.matcher.Enqueue(callID, phone)
}

// dialOnce places |idle agents| × calls_per_agent − in_progress calls.
func (p *ProgressiveDialer) dialOnce() {
	if !p.campaign.Schedule.Allows(time.Now()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	agents, err := p.d.store.GetAvailableAgents(ctx, p.campaign.TenantID)
	if err != nil {
		log.Printf("[Progressive:%s] Reading available agents failed: %v", p.campaign.ID, err)
		return
	}
	if len(agents) == 0 {
		return
	}

	inProgress, err := p.d.store.CampaignCallCount(ctx, p.campaign.ID)
	if err != nil {
		log.Printf("[Progressive:%s] Counting active calls failed: %v", p.campaign.ID, err)
		return
	}
	toDial := len(agents)*p.campaign.Settings.CallsPerAgent - inProgress
	if toDial <= 0 {
		return
	}

	s := p.campaign.Settings
	leads, err := p.d.leads.GetEligibleLeads(ctx, p.campaign.ID,
		time.Duration(s.RetryIntervalSec)*time.Second, s.MaxAttempts, toDial)
	if err != nil {
		log.Printf("[Progressive:%s] Fetching leads failed: %v", p.campaign.ID, err)
		return
	}
	if len(leads) == 0 {
		if !p.noLeadsLogged {
			log.Printf("[Progressive:%s] No leads available", p.campaign.ID)
			p.noLeadsLogged = true
		}
		return
	}
	p.noLeadsLogged = false

	for _, lead := range leads {
		if _, err := p.d.originateLead(p.campaign, lead, ""); err != nil {
			log.Printf("[Progressive:%s] Dialing lead %s failed: %v", p.campaign.ID, lead.ID, err)
		}
	}
}

// Metrics reports the live pacing state.
func (p *ProgressiveDialer) Metrics() map[string]any {
	paired, abandoned, waiting := p.matcher.Stats()
	return map[string]any{
		"mode":          string(database.ModeProgressive),
		"callsPerAgent": p.campaign.Settings.CallsPerAgent,
		"waitingCalls":  waiting,
		"pairedCalls":   paired,
		"abandoned":     abandoned,
		"activeLines":   p.d.lines.ActiveForCampaign(p.campaign.ID),
	}
}
