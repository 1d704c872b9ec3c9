package dialer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialcore/internal/calls"
	"dialcore/internal/database"
	"dialcore/internal/esl"
)

// fakeStore is an in-memory CallStore.
type fakeStore struct {
	mu     sync.Mutex
	calls  map[string]*calls.Call
	agents map[string]*calls.AgentStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:  make(map[string]*calls.Call),
		agents: make(map[string]*calls.AgentStatus),
	}
}

func (f *fakeStore) CreateCall(ctx context.Context, p calls.CreateParams) (*calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := &calls.Call{
		ID:         uuid.NewString(),
		TenantID:   p.TenantID,
		CampaignID: p.CampaignID,
		LeadID:     p.LeadID,
		AgentID:    p.AgentID,
		Direction:  p.Direction,
		Status:     calls.StatusInitiated,
		Phone:      p.Phone,
		CallerID:   p.CallerID,
		StartTime:  time.Now(),
	}
	f.calls[call.ID] = call
	return cloneCall(call), nil
}

func (f *fakeStore) GetCall(ctx context.Context, id string) (*calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.calls[id]
	if !ok {
		return nil, calls.ErrNotFound
	}
	return cloneCall(call), nil
}

func (f *fakeStore) UpdateCall(ctx context.Context, id string, patch calls.Patch) (*calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.calls[id]
	if !ok {
		return nil, calls.ErrNotFound
	}
	if patch.Status != nil {
		call.Status = *patch.Status
	}
	if patch.SwitchUUID != nil {
		call.SwitchUUID = *patch.SwitchUUID
	}
	if patch.SIPID != nil {
		call.SIPID = *patch.SIPID
	}
	if patch.AgentID != nil {
		call.AgentID = *patch.AgentID
	}
	return cloneCall(call), nil
}

func (f *fakeStore) AnswerCall(ctx context.Context, id, agentID string) (*calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.calls[id]
	if !ok {
		return nil, calls.ErrNotFound
	}
	if call.AnswerTime == nil {
		now := time.Now()
		call.AnswerTime = &now
		call.Status = calls.StatusAnswered
		call.RingDurationMs = now.Sub(call.StartTime).Milliseconds()
	}
	if agentID != "" {
		call.AgentID = agentID
	}
	return cloneCall(call), nil
}

func (f *fakeStore) EndCall(ctx context.Context, id string, terminal calls.Status) (*calls.Call, bool, error) {
	if !terminal.Terminal() {
		return nil, false, fmt.Errorf("status %s is not terminal", terminal)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.calls[id]
	if !ok {
		return nil, false, calls.ErrNotFound
	}
	if call.Status.Terminal() {
		return cloneCall(call), false, nil
	}
	now := time.Now()
	call.Status = terminal
	call.EndTime = &now
	if call.AnswerTime != nil {
		call.TalkDurationMs = now.Sub(*call.AnswerTime).Milliseconds()
	}
	return cloneCall(call), true, nil
}

func (f *fakeStore) ActiveCalls(ctx context.Context) ([]*calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*calls.Call
	for _, call := range f.calls {
		if !call.Status.Terminal() {
			out = append(out, cloneCall(call))
		}
	}
	return out, nil
}

func (f *fakeStore) CampaignCalls(ctx context.Context, campaignID string) ([]*calls.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*calls.Call
	for _, call := range f.calls {
		if call.CampaignID == campaignID && !call.Status.Terminal() {
			out = append(out, cloneCall(call))
		}
	}
	return out, nil
}

func (f *fakeStore) CampaignCallCount(ctx context.Context, campaignID string) (int, error) {
	active, _ := f.CampaignCalls(ctx, campaignID)
	return len(active), nil
}

func (f *fakeStore) GetAvailableAgents(ctx context.Context, tenantID string) ([]*calls.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*calls.AgentStatus
	for _, agent := range f.agents {
		if agent.TenantID == tenantID && agent.State == calls.AgentAvailable {
			cp := *agent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastStateChange.Equal(out[j].LastStateChange) {
			return out[i].LastStateChange.Before(out[j].LastStateChange)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, agentID string) (*calls.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return nil, calls.ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (f *fakeStore) AttachAgentCall(ctx context.Context, agentID, callID string) (*calls.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return nil, calls.ErrNotFound
	}
	agent.State = calls.AgentOnCall
	agent.CurrentCallID = callID
	agent.CallsHandled++
	cp := *agent
	return &cp, nil
}

func (f *fakeStore) UpdateAgentStatus(ctx context.Context, agentID, tenantID, state, currentCallID string) (*calls.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		agent = &calls.AgentStatus{AgentID: agentID, TenantID: tenantID}
		f.agents[agentID] = agent
	}
	if agent.State != state {
		agent.LastStateChange = time.Now()
	}
	agent.State = state
	agent.CurrentCallID = currentCallID
	cp := *agent
	return &cp, nil
}

func (f *fakeStore) DurablePendingCalls(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeStore) RetryDurable(ctx context.Context, id string) error        { return nil }

// addAgent seeds an available agent whose idle clock started at idleSince.
func (f *fakeStore) addAgent(agentID, tenantID string, idleSince time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agentID] = &calls.AgentStatus{
		AgentID:         agentID,
		TenantID:        tenantID,
		State:           calls.AgentAvailable,
		LastStateChange: idleSince,
	}
}

func (f *fakeStore) addCall(call *calls.Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call.ID] = call
}

func cloneCall(c *calls.Call) *calls.Call {
	cp := *c
	return &cp
}

// fakeLeads is an in-memory LeadSource serving a fixed queue of leads.
type fakeLeads struct {
	mu        sync.Mutex
	campaigns map[string]*database.Campaign
	queue     []database.Lead
	marked    []string
	settled   map[string]string
	skipped   map[string]string
}

func newFakeLeads() *fakeLeads {
	return &fakeLeads{
		campaigns: make(map[string]*database.Campaign),
		settled:   make(map[string]string),
		skipped:   make(map[string]string),
	}
}

func (f *fakeLeads) GetCampaign(ctx context.Context, id string) (*database.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	camp, ok := f.campaigns[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return camp, nil
}

func (f *fakeLeads) ListCampaignIDsByStatus(ctx context.Context, status string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, camp := range f.campaigns {
		if camp.Status == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeLeads) GetEligibleLeads(ctx context.Context, campaignID string, retryInterval time.Duration, maxAttempts, limit int) ([]database.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.queue) {
		limit = len(f.queue)
	}
	out := make([]database.Lead, limit)
	copy(out, f.queue[:limit])
	return out, nil
}

func (f *fakeLeads) MarkLeadDialing(ctx context.Context, leadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, leadID)
	kept := f.queue[:0]
	for _, l := range f.queue {
		if l.ID != leadID {
			kept = append(kept, l)
		}
	}
	f.queue = kept
	return nil
}

func (f *fakeLeads) SettleLead(ctx context.Context, leadID, status string, result *string, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[leadID] = status
	return nil
}

func (f *fakeLeads) UpdateLeadStatus(ctx context.Context, leadID, status string, result *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[leadID] = status
	return nil
}

func (f *fakeLeads) RecordLeadSkip(ctx context.Context, leadID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped[leadID] = agentID
	return nil
}

func (f *fakeLeads) CountLeadsByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeLeads) settledStatus(leadID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled[leadID]
}

// fakeSwitch records commands instead of talking to a switch.
type fakeSwitch struct {
	mu           sync.Mutex
	originates   []esl.OriginateParams
	hangups      map[string]string // uuid -> cause
	vars         map[string]string // uuid/name -> value
	originateErr error
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{
		hangups: make(map[string]string),
		vars:    make(map[string]string),
	}
}

func (f *fakeSwitch) Originate(ctx context.Context, p esl.OriginateParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.originateErr != nil {
		return "", f.originateErr
	}
	f.originates = append(f.originates, p)
	return uuid.NewString(), nil
}

func (f *fakeSwitch) Hangup(ctx context.Context, uuid, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups[uuid] = cause
	return nil
}

func (f *fakeSwitch) SetVar(ctx context.Context, uuid, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[uuid+"/"+name] = value
	return nil
}

func (f *fakeSwitch) originateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.originates)
}

// fakeSink records published events.
type fakeSink struct {
	mu     sync.Mutex
	topics []string
	byCall map[string][]string // call id -> topics
}

func newFakeSink() *fakeSink {
	return &fakeSink{byCall: make(map[string][]string)}
}

func (f *fakeSink) PublishCall(ctx context.Context, topic string, call *calls.Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.byCall[call.ID] = append(f.byCall[call.ID], topic)
}

func (f *fakeSink) callTopics(callID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.byCall[callID]...)
}

// testDeps assembles a deps bundle over fresh fakes.
func testDeps() (*deps, *fakeStore, *fakeLeads, *fakeSwitch, *fakeSink) {
	store := newFakeStore()
	leads := newFakeLeads()
	sw := newFakeSwitch()
	sink := newFakeSink()
	d := &deps{
		store:  store,
		leads:  leads,
		sw:     sw,
		lines:  NewLinePool(0, 0),
		events: sink,
	}
	return d, store, leads, sw, sink
}

// testCampaign builds a validated campaign for the given mode.
func testCampaign(mode database.DialMode) *database.Campaign {
	camp := &database.Campaign{
		ID:       "camp-1",
		TenantID: "tenant-1",
		Name:     "Test Campaign",
		DialMode: mode,
		Status:   database.CampaignActive,
		Settings: database.Settings{
			RingTimeoutSec:    30,
			MaxAttempts:       3,
			RetryIntervalSec:  3600,
			DialRatioMin:      1.2,
			DialRatioMax:      2.5,
			AbandonRateTarget: 0.03,
			WaitForAgentSec:   10,
			CallsPerAgent:     1,
			PreviewTimeSec:    30,
		},
	}
	if err := camp.Settings.Validate(mode); err != nil {
		panic(err)
	}
	return camp
}
