package dialer

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"dialcore/internal/database"
)

const (
	// dialTick is how often the pacing loop places new calls.
	dialTick = time.Second
	// adjustTick is how often the dial ratio is reconsidered.
	adjustTick = 30 * time.Second
	// minSamples gates ratio adjustment until the window is meaningful.
	minSamples = 20
	// deadBand suppresses adjustment when the measured abandon rate sits
	// within one percentage point of the target.
	deadBand = 0.01
	// adjustGain scales each ratio step by the relative abandon-rate error.
	adjustGain = 0.1
)

// PredictiveDialer overdials relative to the number of idle agents and
// steers the overdial ratio so the measured abandon rate converges on the
// campaign's target. Answered calls park in the matcher queue until an
// agent frees up.
type PredictiveDialer struct {
	d        *deps
	campaign *database.Campaign
	matcher  *agentMatcher
	window   *OutcomeWindow

	ratioMu sync.Mutex
	ratio   float64

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	noLeadsLogged bool
}

// NewPredictiveDialer builds the pacing loop for one campaign. The ratio
// starts at the midpoint of the configured bounds.
func NewPredictiveDialer(d *deps, campaign *database.Campaign) *PredictiveDialer {
	p := &PredictiveDialer{
		d:        d,
		campaign: campaign,
		window:   NewOutcomeWindow(100),
		ratio:    (campaign.Settings.DialRatioMin + campaign.Settings.DialRatioMax) / 2,
		stopChan: make(chan struct{}),
	}
	p.matcher = newAgentMatcher(d, campaign.TenantID, campaign.ID,
		time.Duration(campaign.Settings.WaitForAgentSec)*time.Second,
		func() { p.window.Record(true, true, 0) })
	return p
}

func (p *PredictiveDialer) Mode() database.DialMode { return database.ModePredictive }

func (p *PredictiveDialer) Start() {
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
	log.Printf("[Predictive:%s] Started (ratio=%.2f target_abandon=%.1f%%)",
		p.campaign.ID, p.Ratio(), p.campaign.Settings.AbandonRateTarget*100)
}

func (p *PredictiveDialer) Stop() {
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
	log.Printf("[Predictive:%s] Stopped", p.campaign.ID)
}

func (p *PredictiveDialer) run() {
	defer p.wg.Done()

	dial := time.NewTicker(dialTick)
	defer dial.Stop()
	adjust := time.NewTicker(adjustTick)
	defer adjust.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-dial.C:
			p.dialOnce()
		case <-adjust.C:
			p.adjustOnce()
		}
	}
}

// OnCallAnswered queues the answered call for agent pairing.
func (p *PredictiveDialer) OnCallAnswered(callID, phone string) {
	p.matcher.Enqueue(callID, phone)
}

// RecordCallOutcome feeds the pacing window. The matcher records its own
// abandons; the manager only reports outcomes it settled itself.
func (p *PredictiveDialer) RecordCallOutcome(answered, abandoned bool, talkTime time.Duration) {
	p.window.Record(answered, abandoned, talkTime)
}

// Ratio returns the current overdial ratio.
func (p *PredictiveDialer) Ratio() float64 {
	p.ratioMu.Lock()
	defer p.ratioMu.Unlock()
	return p.ratio
}

// dialOnce places up to target−in_progress calls, where target is the idle
// agent count scaled by the overdial ratio.
func (p *PredictiveDialer) dialOnce() {
	if !p.campaign.Schedule.Allows(time.Now()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	agents, err := p.d.store.GetAvailableAgents(ctx, p.campaign.TenantID)
	if err != nil {
		log.Printf("[Predictive:%s] Reading available agents failed: %v", p.campaign.ID, err)
		return
	}
	if len(agents) == 0 && p.matcher.WaitingCount() == 0 {
		return
	}

	target := int(math.Ceil(float64(len(agents)) * p.Ratio()))
	inProgress, err := p.d.store.CampaignCallCount(ctx, p.campaign.ID)
	if err != nil {
		log.Printf("[Predictive:%s] Counting active calls failed: %v", p.campaign.ID, err)
		return
	}
	toDial := target - inProgress
	if toDial <= 0 {
		return
	}

	s := p.campaign.Settings
	leads, err := p.d.leads.GetEligibleLeads(ctx, p.campaign.ID,
		time.Duration(s.RetryIntervalSec)*time.Second, s.MaxAttempts, toDial)
	if err != nil {
		log.Printf("[Predictive:%s] Fetching leads failed: %v", p.campaign.ID, err)
		return
	}
	if len(leads) == 0 {
		if !p.noLeadsLogged {
			log.Printf("[Predictive:%s] No leads available", p.campaign.ID)
			p.noLeadsLogged = true
		}
		return
	}
	p.noLeadsLogged = false

	for _, lead := range leads {
		if _, err := p.d.originateLead(p.campaign, lead, ""); err != nil {
			log.Printf("[Predictive:%s] Dialing lead %s failed: %v", p.campaign.ID, lead.ID, err)
		}
	}
}

// adjustOnce nudges the ratio toward the abandon-rate target. Integral-only:
// each step is proportional to the relative error, clamped to the bounds.
func (p *PredictiveDialer) adjustOnce() {
	if p.window.Size() < minSamples {
		return
	}

	target := p.campaign.Settings.AbandonRateTarget
	measured := p.window.AbandonRate()
	if math.Abs(measured-target) < deadBand {
		return
	}

	delta := adjustGain * (measured - target) / target
	if delta > adjustGain {
		delta = adjustGain
	} else if delta < -adjustGain {
		delta = -adjustGain
	}

	p.ratioMu.Lock()
	old := p.ratio
	p.ratio -= delta
	if p.ratio < p.campaign.Settings.DialRatioMin {
		p.ratio = p.campaign.Settings.DialRatioMin
	}
	if p.ratio > p.campaign.Settings.DialRatioMax {
		p.ratio = p.campaign.Settings.DialRatioMax
	}
	now := p.ratio
	p.ratioMu.Unlock()

	log.Printf("[Predictive:%s] Ratio %.2f -> %.2f (abandon=%.1f%% target=%.1f%%)",
		p.campaign.ID, old, now, measured*100, target*100)
}

// Metrics reports the live pacing state.
func (p *PredictiveDialer) Metrics() map[string]any {
	paired, abandoned, waiting := p.matcher.Stats()
	return map[string]any{
		"mode":         string(database.ModePredictive),
		"dialRatio":    p.Ratio(),
		"abandonRate":  p.window.AbandonRate(),
		"answerRate":   p.window.AnswerRate(),
		"windowSize":   p.window.Size(),
		"waitingCalls": waiting,
		"pairedCalls":  paired,
		"abandoned":    abandoned,
		"activeLines":  p.d.lines.ActiveForCampaign(p.campaign.ID),
	}
}
