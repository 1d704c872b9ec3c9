package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcore/internal/calls"
	"dialcore/internal/config"
	"dialcore/internal/database"
	"dialcore/internal/esl"
	"dialcore/internal/events"
)

func testManager(t *testing.T) (*Manager, *fakeStore, *fakeLeads, *fakeSwitch, *fakeSink) {
	t.Helper()
	store := newFakeStore()
	leads := newFakeLeads()
	sw := newFakeSwitch()
	sink := newFakeSink()
	m := NewManager(store, leads, sw, sink, nil, config.DialerConfig{})
	t.Cleanup(m.Shutdown)
	return m, store, leads, sw, sink
}

func hangupEvent(callID, cause string) esl.Event {
	return esl.Event{
		Name: "CHANNEL_HANGUP_COMPLETE",
		Headers: map[string]string{
			"variable_dialcore_call_id": callID,
			"Hangup-Cause":              cause,
		},
	}
}

func TestManagerStartCampaignRegistersDialer(t *testing.T) {
	m, _, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp

	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))
	assert.Equal(t, []string{camp.ID}, m.RunningCampaigns())

	metrics, err := m.CampaignMetrics(camp.ID)
	require.NoError(t, err)
	assert.Equal(t, "predictive", metrics["mode"])

	require.NoError(t, m.StopCampaign(camp.ID))
	assert.Empty(t, m.RunningCampaigns())
}

func TestManagerStartTwiceIsNoOp(t *testing.T) {
	m, _, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModeProgressive)
	leads.campaigns[camp.ID] = camp

	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))
	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))
	assert.Len(t, m.RunningCampaigns(), 1)
}

func TestManagerStartNonActiveCampaign(t *testing.T) {
	m, _, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModePredictive)
	camp.Status = database.CampaignDraft
	leads.campaigns[camp.ID] = camp

	err := m.StartCampaign(context.Background(), camp.ID)
	assert.ErrorContains(t, err, "Campaign camp-1 is not active")
	assert.Empty(t, m.RunningCampaigns())
}

func TestManagerStartUnsupportedMode(t *testing.T) {
	m, _, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModeProgressive)
	camp.DialMode = database.DialMode("robocall")
	leads.campaigns[camp.ID] = camp

	err := m.StartCampaign(context.Background(), camp.ID)
	assert.ErrorContains(t, err, "unsupported dial mode")
	assert.Empty(t, m.RunningCampaigns())
}

func TestManagerChannelCreateMovesToRinging(t *testing.T) {
	m, store, _, _, _ := testManager(t)
	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: "tenant-1", Direction: "outbound", Phone: "5550001", CampaignID: "camp-1",
	})
	require.NoError(t, err)

	m.HandleEvent(esl.Event{
		Name: "CHANNEL_CREATE",
		Headers: map[string]string{
			"variable_dialcore_call_id": call.ID,
			"Unique-ID":                 "sw-uuid-1",
			"Channel-Call-UUID":         "sip-uuid-1",
		},
	})

	got, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusRinging, got.Status)
	assert.Equal(t, "sw-uuid-1", got.SwitchUUID)
	assert.Equal(t, "sip-uuid-1", got.SIPID)
}

func TestManagerHangupMapsUserBusy(t *testing.T) {
	m, store, leads, _, sink := testManager(t)
	camp := testCampaign(database.ModeProgressive)
	leads.campaigns[camp.ID] = camp
	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))

	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: camp.TenantID, Direction: "outbound", Phone: "5550001",
		CampaignID: camp.ID, LeadID: "lead-1",
	})
	require.NoError(t, err)
	m.Lines().Acquire(camp.ID)

	m.HandleEvent(hangupEvent(call.ID, "USER_BUSY"))

	got, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusBusy, got.Status)
	assert.Equal(t, database.LeadBusy, leads.settledStatus("lead-1"))
	assert.Equal(t, []string{events.TopicCallsEnded}, sink.callTopics(call.ID))
	assert.Equal(t, 0, m.Lines().ActiveForCampaign(camp.ID))
}

func TestManagerHangupCauseTable(t *testing.T) {
	cases := map[string]calls.Status{
		"NO_ANSWER":         calls.StatusNoAnswer,
		"NO_USER_RESPONSE":  calls.StatusNoAnswer,
		"USER_BUSY":         calls.StatusBusy,
		"CALL_REJECTED":     calls.StatusBusy,
		"ORIGINATOR_CANCEL": calls.StatusAbandoned,
		"LOSE_RACE":         calls.StatusAbandoned,
		"NORMAL_CLEARING":   calls.StatusCompleted,
		"SUCCESS":           calls.StatusCompleted,
		"RECOVERY_ON_TIMER_EXPIRE": calls.StatusFailed,
	}

	for cause, want := range cases {
		m, store, _, _, _ := testManager(t)
		call, err := store.CreateCall(context.Background(), calls.CreateParams{
			TenantID: "tenant-1", Direction: "outbound", Phone: "5550001",
		})
		require.NoError(t, err)

		m.HandleEvent(hangupEvent(call.ID, cause))

		got, err := store.GetCall(context.Background(), call.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "cause %s", cause)
	}
}

func TestManagerDuplicateHangupEmitsOneEvent(t *testing.T) {
	m, store, _, _, sink := testManager(t)
	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: "tenant-1", Direction: "outbound", Phone: "5550001",
	})
	require.NoError(t, err)

	m.HandleEvent(hangupEvent(call.ID, "NORMAL_CLEARING"))
	m.HandleEvent(hangupEvent(call.ID, "NORMAL_CLEARING"))

	assert.Len(t, sink.callTopics(call.ID), 1)
}

func TestManagerAnswerWithBoundAgentConnects(t *testing.T) {
	m, store, _, _, sink := testManager(t)
	store.addAgent("agent-1", "tenant-1", time.Now().Add(-time.Minute))
	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: "tenant-1", Direction: "outbound", Phone: "5550001", AgentID: "agent-1",
	})
	require.NoError(t, err)

	m.HandleEvent(esl.Event{
		Name: "CHANNEL_ANSWER",
		Headers: map[string]string{
			"variable_dialcore_call_id":  call.ID,
			"variable_dialcore_agent_id": "agent-1",
		},
	})

	got, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusConnected, got.Status)
	assert.NotNil(t, got.AnswerTime)

	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, calls.AgentOnCall, agent.State)
	assert.Equal(t, []string{events.TopicCallsAnswered}, sink.callTopics(call.ID))
}

func TestManagerHangupReleasesAgentWithoutWrapUp(t *testing.T) {
	m, store, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModeProgressive)
	camp.Settings.WrapUpTimeSec = 0
	leads.campaigns[camp.ID] = camp
	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))

	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))
	store.AttachAgentCall(context.Background(), "agent-1", "call-1")
	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: camp.TenantID, Direction: "outbound", Phone: "5550001",
		CampaignID: camp.ID, AgentID: "agent-1",
	})
	require.NoError(t, err)

	m.HandleEvent(hangupEvent(call.ID, "NORMAL_CLEARING"))

	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, calls.AgentAvailable, agent.State)
}

func TestManagerHangupMovesAgentToWrapUp(t *testing.T) {
	m, store, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModeProgressive)
	camp.Settings.WrapUpTimeSec = 30
	leads.campaigns[camp.ID] = camp
	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))

	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))
	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: camp.TenantID, Direction: "outbound", Phone: "5550001",
		CampaignID: camp.ID, AgentID: "agent-1",
	})
	require.NoError(t, err)

	m.HandleEvent(hangupEvent(call.ID, "NORMAL_CLEARING"))

	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, calls.AgentWrapUp, agent.State)
}

func TestManagerHangupAfterShutdownReleasesAgentImmediately(t *testing.T) {
	m, store, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModeProgressive)
	camp.Settings.WrapUpTimeSec = 30
	leads.campaigns[camp.ID] = camp

	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))
	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: camp.TenantID, Direction: "outbound", Phone: "5550001",
		CampaignID: camp.ID, AgentID: "agent-1",
	})
	require.NoError(t, err)

	m.Shutdown()
	// A late hangup event after shutdown must not schedule a wrap-up timer
	// (nothing would fire it); the agent is released on the spot.
	m.campaigns[camp.ID] = camp
	m.HandleEvent(hangupEvent(call.ID, "NORMAL_CLEARING"))

	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, calls.AgentAvailable, agent.State)
}

func TestManagerIgnoresForeignChannels(t *testing.T) {
	m, _, _, _, sink := testManager(t)
	m.HandleEvent(esl.Event{
		Name:    "CHANNEL_HANGUP_COMPLETE",
		Headers: map[string]string{"Hangup-Cause": "NORMAL_CLEARING"},
	})
	assert.Empty(t, sink.topics)
}

func TestManagerHangupFeedsPredictiveWindow(t *testing.T) {
	m, store, leads, _, _ := testManager(t)
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp
	require.NoError(t, m.StartCampaign(context.Background(), camp.ID))

	call, err := store.CreateCall(context.Background(), calls.CreateParams{
		TenantID: camp.TenantID, Direction: "outbound", Phone: "5550001", CampaignID: camp.ID,
	})
	require.NoError(t, err)
	store.AnswerCall(context.Background(), call.ID, "")

	m.HandleEvent(hangupEvent(call.ID, "NORMAL_CLEARING"))

	m.mu.RLock()
	p := m.dialers[camp.ID].(*PredictiveDialer)
	m.mu.RUnlock()
	assert.Equal(t, 1, p.window.Size())
	assert.Equal(t, 1.0, p.window.AnswerRate())
}
