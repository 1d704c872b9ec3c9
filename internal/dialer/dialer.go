package dialer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dialcore/internal/calls"
	"dialcore/internal/database"
	"dialcore/internal/esl"
	"dialcore/internal/events"
)

// opTimeout bounds every store/switch round-trip a dialer makes. There are
// no unbounded waits anywhere in the tick paths.
const opTimeout = 3 * time.Second

var (
	// ErrNotRunning is returned for operations on a campaign with no live
	// dialer.
	ErrNotRunning = errors.New("not running")
	// ErrAlreadySettled is returned when re-driving a non-pending preview.
	ErrAlreadySettled = errors.New("preview already settled")
)

// Dialer is one campaign's pacing loop.
type Dialer interface {
	Start()
	Stop()
	Mode() database.DialMode
	Metrics() map[string]any
}

// answerNotifier is implemented by dialers that queue answered calls for
// agent pairing. The manager calls it on CHANNEL_ANSWER.
type answerNotifier interface {
	OnCallAnswered(callID, phone string)
}

// outcomeRecorder is implemented by the predictive dialer. The manager calls
// it on CHANNEL_HANGUP_COMPLETE so the pacing window closes its loop.
type outcomeRecorder interface {
	RecordCallOutcome(answered, abandoned bool, talkTime time.Duration)
}

// Switch is the slice of the media-switch driver the dialers use. Bridging
// of paired calls is left to the switch-side routing rule, which keys on the
// agent variable stamped by the pairing loop.
type Switch interface {
	Originate(ctx context.Context, p esl.OriginateParams) (string, error)
	Hangup(ctx context.Context, uuid, cause string) error
	SetVar(ctx context.Context, uuid, name, value string) error
}

// CallStore is the slice of the call service the dialers and manager use.
type CallStore interface {
	CreateCall(ctx context.Context, p calls.CreateParams) (*calls.Call, error)
	GetCall(ctx context.Context, id string) (*calls.Call, error)
	UpdateCall(ctx context.Context, id string, patch calls.Patch) (*calls.Call, error)
	AnswerCall(ctx context.Context, id, agentID string) (*calls.Call, error)
	EndCall(ctx context.Context, id string, terminal calls.Status) (*calls.Call, bool, error)
	ActiveCalls(ctx context.Context) ([]*calls.Call, error)
	CampaignCalls(ctx context.Context, campaignID string) ([]*calls.Call, error)
	CampaignCallCount(ctx context.Context, campaignID string) (int, error)
	GetAvailableAgents(ctx context.Context, tenantID string) ([]*calls.AgentStatus, error)
	GetAgent(ctx context.Context, agentID string) (*calls.AgentStatus, error)
	AttachAgentCall(ctx context.Context, agentID, callID string) (*calls.AgentStatus, error)
	UpdateAgentStatus(ctx context.Context, agentID, tenantID, state, currentCallID string) (*calls.AgentStatus, error)
	DurablePendingCalls(ctx context.Context) ([]string, error)
	RetryDurable(ctx context.Context, id string) error
}

// LeadSource is the slice of the durable catalog the dialers use.
type LeadSource interface {
	GetCampaign(ctx context.Context, id string) (*database.Campaign, error)
	ListCampaignIDsByStatus(ctx context.Context, status string) ([]string, error)
	GetEligibleLeads(ctx context.Context, campaignID string, retryInterval time.Duration, maxAttempts, limit int) ([]database.Lead, error)
	MarkLeadDialing(ctx context.Context, leadID string) error
	SettleLead(ctx context.Context, leadID, status string, result *string, maxAttempts int) error
	UpdateLeadStatus(ctx context.Context, leadID, status string, result *string) error
	RecordLeadSkip(ctx context.Context, leadID, agentID string) error
	CountLeadsByStatus(ctx context.Context, campaignID string) (map[string]int, error)
}

// EventSink publishes lifecycle events to the bus.
type EventSink interface {
	PublishCall(ctx context.Context, topic string, call *calls.Call)
}

// Broadcaster pushes live frames to dashboard websockets. Best-effort.
type Broadcaster interface {
	BroadcastEvent(eventType string, data any)
}

// deps bundles what every dialer needs; the manager fills it in.
type deps struct {
	store  CallStore
	leads  LeadSource
	sw     Switch
	lines  *LinePool
	events EventSink
	hub    Broadcaster
}

// broadcast pushes a live frame to dashboards when a hub is wired.
func (d *deps) broadcast(eventType string, data any) {
	if d.hub != nil {
		d.hub.BroadcastEvent(eventType, data)
	}
}

// originateLead creates the call row, marks the lead's attempt, and submits
// the originate with correlation variables attached. The attempt counts as
// made even when the switch refuses the command.
func (d *deps) originateLead(campaign *database.Campaign, lead database.Lead, agentID string) (*calls.Call, error) {
	if !d.lines.Acquire(campaign.ID) {
		return nil, fmt.Errorf("line limit reached for campaign %s", campaign.ID)
	}
	release := true
	defer func() {
		if release {
			d.lines.Release(campaign.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	call, err := d.store.CreateCall(ctx, calls.CreateParams{
		TenantID:   campaign.TenantID,
		Direction:  "outbound",
		Phone:      lead.Phone,
		CallerID:   campaign.Settings.CallerID,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		AgentID:    agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating call for lead %s: %w", lead.ID, err)
	}

	if err := d.leads.MarkLeadDialing(ctx, lead.ID); err != nil {
		log.Printf("[Dialer] Marking lead %s dialing failed: %v", lead.ID, err)
	}

	vars := map[string]string{
		esl.VarCallID:     call.ID,
		esl.VarCampaignID: campaign.ID,
		esl.VarLeadID:     lead.ID,
		esl.VarTenantID:   campaign.TenantID,
	}
	if agentID != "" {
		vars[esl.VarAgentID] = agentID
	}

	_, err = d.sw.Originate(ctx, esl.OriginateParams{
		Dest:       campaign.Settings.DialPrefix + lead.Phone,
		CallerID:   campaign.Settings.CallerID,
		TimeoutSec: campaign.Settings.RingTimeoutSec,
		Variables:  vars,
	})
	if err != nil {
		// The switch refused the command. The attempt was made (the lead's
		// counter stays bumped), the call fails, and it never enters the
		// pacing window.
		endCtx, endCancel := context.WithTimeout(context.Background(), opTimeout)
		defer endCancel()
		if ended, _, endErr := d.store.EndCall(endCtx, call.ID, calls.StatusFailed); endErr == nil && ended != nil {
			d.events.PublishCall(endCtx, events.TopicCallsEnded, ended)
		}
		result := "originate_failed"
		d.leads.SettleLead(endCtx, lead.ID, database.LeadFailed, &result, campaign.Settings.MaxAttempts)
		return nil, fmt.Errorf("originate for lead %s: %w", lead.ID, err)
	}

	release = false // the hangup handler releases the line
	d.events.PublishCall(ctx, events.TopicCallsStarted, call)
	return call, nil
}
