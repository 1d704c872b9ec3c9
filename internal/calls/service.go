package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dialcore/internal/database"
)

// ErrNotFound is returned when a call or agent is unknown.
var ErrNotFound = errors.New("not found")

// liveTTL bounds every fast-store entry.
const liveTTL = 24 * time.Hour

// endTxRetries bounds optimistic-lock retries when concurrent enders race on
// the same call.
const endTxRetries = 5

// Fast-store key layout.
const (
	keyCall           = "call:%s"
	keyAgent          = "agent:%s"
	keyCampaignCalls  = "campaign:calls:%s"
	keyActiveCalls    = "calls:active"
	keyAgentCalls     = "index:agent:calls:%s"
	keyTenantAgents   = "tenant:agents:%s"
	keyDurablePending = "calls:durable_pending"
)

// DurableWriter persists a terminal call row. Implemented by the database
// repository.
type DurableWriter interface {
	InsertCallRecord(ctx context.Context, rec *database.CallRecord) error
}

// Service is the two-tier call/agent state store: Redis for sub-second live
// state, one durable row per call on termination.
type Service struct {
	rdb     redis.UniversalClient
	durable DurableWriter
}

// NewService creates a call service.
func NewService(rdb redis.UniversalClient, durable DurableWriter) *Service {
	return &Service{rdb: rdb, durable: durable}
}

// CreateParams are the inputs for CreateCall.
type CreateParams struct {
	TenantID   string
	Direction  string
	Phone      string
	CallerID   string
	CampaignID string
	LeadID     string
	AgentID    string
	Metadata   map[string]string
}

// CreateCall registers a fresh call in initiated state and indexes it as
// active (and under its campaign, if any).
func (s *Service) CreateCall(ctx context.Context, p CreateParams) (*Call, error) {
	now := time.Now().UTC()
	call := &Call{
		ID:           uuid.NewString(),
		TenantID:     p.TenantID,
		CampaignID:   p.CampaignID,
		LeadID:       p.LeadID,
		AgentID:      p.AgentID,
		Direction:    p.Direction,
		Status:       StatusInitiated,
		Phone:        p.Phone,
		CallerID:     p.CallerID,
		StartTime:    now,
		LastActivity: now,
		Metadata:     p.Metadata,
	}

	pipe := s.rdb.TxPipeline()
	s.pipeSave(ctx, pipe, call)
	pipe.SAdd(ctx, keyActiveCalls, call.ID)
	pipe.Expire(ctx, keyActiveCalls, liveTTL)
	if call.CampaignID != "" {
		ck := fmt.Sprintf(keyCampaignCalls, call.CampaignID)
		pipe.SAdd(ctx, ck, call.ID)
		pipe.Expire(ctx, ck, liveTTL)
	}
	if call.AgentID != "" {
		ak := fmt.Sprintf(keyAgentCalls, call.AgentID)
		pipe.SAdd(ctx, ak, call.ID)
		pipe.Expire(ctx, ak, liveTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("creating call: %w", err)
	}
	return call, nil
}

// GetCall returns a snapshot or ErrNotFound.
func (s *Service) GetCall(ctx context.Context, id string) (*Call, error) {
	data, err := s.rdb.Get(ctx, fmt.Sprintf(keyCall, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading call %s: %w", id, err)
	}
	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("decoding call %s: %w", id, err)
	}
	return &call, nil
}

// UpdateCall merges a patch into the call and refreshes its TTL. Returns the
// new state, or ErrNotFound.
func (s *Service) UpdateCall(ctx context.Context, id string, patch Patch) (*Call, error) {
	call, err := s.GetCall(ctx, id)
	if err != nil {
		return nil, err
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
	if len(patch.Metadata) > 0 {
		if call.Metadata == nil {
			call.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			call.Metadata[k] = v
		}
	}
	call.LastActivity = time.Now().UTC()

	pipe := s.rdb.TxPipeline()
	s.pipeSave(ctx, pipe, call)
	if patch.AgentID != nil && *patch.AgentID != "" {
		ak := fmt.Sprintf(keyAgentCalls, *patch.AgentID)
		pipe.SAdd(ctx, ak, call.ID)
		pipe.Expire(ctx, ak, liveTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("updating call %s: %w", id, err)
	}
	return call, nil
}

// AnswerCall marks the call answered, stamping answer time and ring duration.
// Answering an already-answered call is a no-op returning current state.
func (s *Service) AnswerCall(ctx context.Context, id, agentID string) (*Call, error) {
	call, err := s.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if call.AnswerTime != nil {
		return call, nil
	}

	now := time.Now().UTC()
	call.Status = StatusAnswered
	call.AnswerTime = &now
	call.RingDurationMs = now.Sub(call.StartTime).Milliseconds()
	call.LastActivity = now
	if agentID != "" {
		call.AgentID = agentID
	}

	if err := s.save(ctx, call); err != nil {
		return nil, err
	}
	return call, nil
}

// EndCall transitions a call to a terminal status, removes it from the live
// indexes and persists the durable row. The bool result reports whether this
// invocation performed the transition; ending an already-terminal call leaves
// state untouched and returns false, which is what makes retries and
// duplicate hangup events safe.
//
// If the durable write fails the fast state is kept, flagged for the watchdog
// to retry; callers still emit the terminal event.
func (s *Service) EndCall(ctx context.Context, id string, terminal Status) (*Call, bool, error) {
	if !terminal.Terminal() {
		return nil, false, fmt.Errorf("endCall %s: %q is not a terminal status", id, terminal)
	}

	key := fmt.Sprintf(keyCall, id)
	var call *Call
	performed := false

	// The transition is claimed under WATCH on the call key: when two enders
	// race (the hangup handler against a forced abandon or the watchdog),
	// exactly one commit wins and the loser re-reads the terminal state.
	txn := func(tx *redis.Tx) error {
		performed = false
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading call %s: %w", id, err)
		}
		c := &Call{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("decoding call %s: %w", id, err)
		}
		if c.Status.Terminal() {
			call = c
			return nil
		}

		now := time.Now().UTC()
		c.Status = terminal
		c.EndTime = &now
		c.LastActivity = now
		if c.AnswerTime != nil {
			c.TalkDurationMs = now.Sub(*c.AnswerTime).Milliseconds()
		}
		c.DurablePending = true

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.pipeSave(ctx, pipe, c)
			pipe.SRem(ctx, keyActiveCalls, c.ID)
			if c.CampaignID != "" {
				pipe.SRem(ctx, fmt.Sprintf(keyCampaignCalls, c.CampaignID), c.ID)
			}
			if c.AgentID != "" {
				pipe.SRem(ctx, fmt.Sprintf(keyAgentCalls, c.AgentID), c.ID)
			}
			pipe.SAdd(ctx, keyDurablePending, c.ID)
			return nil
		})
		if err != nil {
			return err
		}
		call = c
		performed = true
		return nil
	}

	var err error
	for attempt := 0; attempt < endTxRetries; attempt++ {
		err = s.rdb.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("ending call %s: %w", id, err)
	}
	if !performed {
		return call, false, nil
	}

	// Only the winner writes the durable row; the flag set in the transaction
	// keeps the watchdog's retry path armed until the write lands.
	call.DurablePending = false
	if err := s.persistDurable(ctx, call); err != nil {
		log.Printf("[Calls] Durable write failed for call %s (will retry): %v", id, err)
		call.DurablePending = true
		return call, true, nil
	}
	if err := s.save(ctx, call); err != nil {
		log.Printf("[Calls] Clearing durable flag for call %s failed (will retry): %v", id, err)
		call.DurablePending = true
		return call, true, nil
	}
	s.rdb.SRem(ctx, keyDurablePending, call.ID)
	return call, true, nil
}

// RetryDurable re-attempts the durable write for a flagged call. Used by the
// watchdog sweep.
func (s *Service) RetryDurable(ctx context.Context, id string) error {
	call, err := s.GetCall(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Fast state expired; nothing left to persist from.
			s.rdb.SRem(ctx, keyDurablePending, id)
		}
		return err
	}
	if !call.DurablePending {
		s.rdb.SRem(ctx, keyDurablePending, id)
		return nil
	}
	if err := s.persistDurable(ctx, call); err != nil {
		return err
	}
	call.DurablePending = false
	if err := s.save(ctx, call); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, keyDurablePending, id).Err()
}

// DurablePendingCalls lists ids of terminal calls awaiting a durable retry.
func (s *Service) DurablePendingCalls(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyDurablePending).Result()
}

// ActiveCallIDs returns the ids in the active index.
func (s *Service) ActiveCallIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyActiveCalls).Result()
}

// ActiveCalls returns snapshots of every non-terminal call.
func (s *Service) ActiveCalls(ctx context.Context) ([]*Call, error) {
	ids, err := s.ActiveCallIDs(ctx)
	if err != nil {
		return nil, err
	}
	return s.callsByIDs(ctx, ids)
}

// CampaignCalls returns the campaign's in-flight calls.
func (s *Service) CampaignCalls(ctx context.Context, campaignID string) ([]*Call, error) {
	ids, err := s.rdb.SMembers(ctx, fmt.Sprintf(keyCampaignCalls, campaignID)).Result()
	if err != nil {
		return nil, err
	}
	return s.callsByIDs(ctx, ids)
}

// CampaignCallCount counts the campaign's in-flight calls; the predictive and
// progressive pacers read this every tick.
func (s *Service) CampaignCallCount(ctx context.Context, campaignID string) (int, error) {
	n, err := s.rdb.SCard(ctx, fmt.Sprintf(keyCampaignCalls, campaignID)).Result()
	return int(n), err
}

// UpdateAgentStatus upserts an agent's state. last-state-change resets only
// when the state actually changes, so idle ordering survives heartbeats.
func (s *Service) UpdateAgentStatus(ctx context.Context, agentID, tenantID, state, currentCallID string) (*AgentStatus, error) {
	if !ValidAgentState(state) {
		return nil, fmt.Errorf("unknown agent state %q", state)
	}

	now := time.Now().UTC()
	agent, err := s.GetAgent(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		agent = &AgentStatus{AgentID: agentID, TenantID: tenantID, State: state, LastStateChange: now}
	} else if err != nil {
		return nil, err
	} else {
		if agent.State != state {
			agent.LastStateChange = now
		}
		agent.State = state
		agent.TenantID = tenantID
	}
	agent.CurrentCallID = currentCallID

	data, err := json.Marshal(agent)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyAgent, agentID), data, liveTTL)
	tk := fmt.Sprintf(keyTenantAgents, tenantID)
	pipe.SAdd(ctx, tk, agentID)
	pipe.Expire(ctx, tk, liveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("updating agent %s: %w", agentID, err)
	}
	return agent, nil
}

// AttachAgentCall binds an agent to a call (on_call) and bumps their handled
// counter. Used by the pairing loop.
func (s *Service) AttachAgentCall(ctx context.Context, agentID, callID string) (*AgentStatus, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	agent.State = AgentOnCall
	agent.CurrentCallID = callID
	agent.LastStateChange = now
	agent.CallsHandled++

	data, err := json.Marshal(agent)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf(keyAgent, agentID), data, liveTTL).Err(); err != nil {
		return nil, fmt.Errorf("attaching call to agent %s: %w", agentID, err)
	}
	return agent, nil
}

// GetAgent returns an agent snapshot or ErrNotFound.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*AgentStatus, error) {
	data, err := s.rdb.Get(ctx, fmt.Sprintf(keyAgent, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent %s: %w", agentID, err)
	}
	var agent AgentStatus
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("decoding agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// GetAvailableAgents lists a tenant's available agents, longest idle first.
// Ties on idle time break by agent id so pairing stays deterministic.
func (s *Service) GetAvailableAgents(ctx context.Context, tenantID string) ([]*AgentStatus, error) {
	ids, err := s.rdb.SMembers(ctx, fmt.Sprintf(keyTenantAgents, tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents for tenant %s: %w", tenantID, err)
	}

	var available []*AgentStatus
	for _, id := range ids {
		agent, err := s.GetAgent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired entry still in the set
		}
		if err != nil {
			return nil, err
		}
		if agent.State == AgentAvailable {
			available = append(available, agent)
		}
	}

	sort.Slice(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if !a.LastStateChange.Equal(b.LastStateChange) {
			return a.LastStateChange.Before(b.LastStateChange)
		}
		return a.AgentID < b.AgentID
	})
	return available, nil
}

// Close closes the underlying client.
func (s *Service) Close() error {
	return s.rdb.Close()
}

func (s *Service) persistDurable(ctx context.Context, call *Call) error {
	if s.durable == nil {
		return nil
	}
	rec := &database.CallRecord{
		ID:             call.ID,
		TenantID:       call.TenantID,
		CampaignID:     optStr(call.CampaignID),
		LeadID:         optStr(call.LeadID),
		AgentID:        optStr(call.AgentID),
		Direction:      call.Direction,
		Status:         string(call.Status),
		Phone:          call.Phone,
		CallerID:       call.CallerID,
		SwitchUUID:     call.SwitchUUID,
		StartTime:      call.StartTime,
		AnswerTime:     call.AnswerTime,
		EndTime:        call.EndTime,
		RingDurationMs: call.RingDurationMs,
		TalkDurationMs: call.TalkDurationMs,
	}
	if len(call.Metadata) > 0 {
		if data, err := json.Marshal(call.Metadata); err == nil {
			rec.Metadata = data
		}
	}
	return s.durable.InsertCallRecord(ctx, rec)
}

func (s *Service) save(ctx context.Context, call *Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf(keyCall, call.ID), data, liveTTL).Err(); err != nil {
		return fmt.Errorf("saving call %s: %w", call.ID, err)
	}
	return nil
}

func (s *Service) pipeSave(ctx context.Context, pipe redis.Pipeliner, call *Call) {
	data, _ := json.Marshal(call)
	pipe.Set(ctx, fmt.Sprintf(keyCall, call.ID), data, liveTTL)
}

func (s *Service) callsByIDs(ctx context.Context, ids []string) ([]*Call, error) {
	out := make([]*Call, 0, len(ids))
	for _, id := range ids {
		call, err := s.GetCall(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
