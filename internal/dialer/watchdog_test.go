package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcore/internal/calls"
	"dialcore/internal/database"
)

func TestWatchdogReapsStuckInitiatedCall(t *testing.T) {
	d, store, _, _, sink := testDeps()
	store.addCall(&calls.Call{
		ID:        "call-1",
		TenantID:  "tenant-1",
		Direction: "outbound",
		Status:    calls.StatusInitiated,
		Phone:     "5550001",
		StartTime: time.Now().Add(-2 * time.Minute),
	})

	w := NewWatchdog(d, 10*time.Second, 15*time.Second, 60*time.Second)
	w.sweepOnce(time.Now())

	got, err := store.GetCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusFailed, got.Status)
	assert.Len(t, sink.callTopics("call-1"), 1)
}

func TestWatchdogReapsRingingPastTimeout(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp

	store.addCall(&calls.Call{
		ID:         "call-1",
		TenantID:   camp.TenantID,
		CampaignID: camp.ID,
		LeadID:     "lead-1",
		Direction:  "outbound",
		Status:     calls.StatusRinging,
		Phone:      "5550001",
		SwitchUUID: "uuid-1",
		StartTime:  time.Now().Add(-60 * time.Second), // past 30s ring + 15s grace
	})
	d.lines.Acquire(camp.ID)

	w := NewWatchdog(d, 10*time.Second, 15*time.Second, 60*time.Second)
	w.sweepOnce(time.Now())

	got, err := store.GetCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusFailed, got.Status)
	assert.Equal(t, "ORIGINATOR_CANCEL", sw.hangups["uuid-1"])
	assert.Equal(t, database.LeadFailed, leads.settledStatus("lead-1"))
	assert.Equal(t, 0, d.lines.ActiveForCampaign(camp.ID))
}

func TestWatchdogLeavesHealthyCallsAlone(t *testing.T) {
	d, store, leads, _, sink := testDeps()
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp

	store.addCall(&calls.Call{
		ID:         "call-1",
		TenantID:   camp.TenantID,
		CampaignID: camp.ID,
		Direction:  "outbound",
		Status:     calls.StatusRinging,
		Phone:      "5550001",
		StartTime:  time.Now().Add(-10 * time.Second), // within ring timeout
	})
	store.addCall(&calls.Call{
		ID:        "call-2",
		TenantID:  camp.TenantID,
		Direction: "outbound",
		Status:    calls.StatusInitiated,
		Phone:     "5550002",
		StartTime: time.Now().Add(-5 * time.Second),
	})

	w := NewWatchdog(d, 10*time.Second, 15*time.Second, 60*time.Second)
	w.sweepOnce(time.Now())

	one, _ := store.GetCall(context.Background(), "call-1")
	two, _ := store.GetCall(context.Background(), "call-2")
	assert.Equal(t, calls.StatusRinging, one.Status)
	assert.Equal(t, calls.StatusInitiated, two.Status)
	assert.Empty(t, sink.topics)
}

func TestWatchdogIgnoresConnectedCalls(t *testing.T) {
	d, store, _, _, sink := testDeps()
	now := time.Now()
	answer := now.Add(-time.Hour)
	store.addCall(&calls.Call{
		ID:         "call-1",
		TenantID:   "tenant-1",
		Direction:  "outbound",
		Status:     calls.StatusConnected,
		Phone:      "5550001",
		StartTime:  now.Add(-2 * time.Hour), // long calls are legitimate
		AnswerTime: &answer,
	})

	w := NewWatchdog(d, 10*time.Second, 15*time.Second, 60*time.Second)
	w.sweepOnce(now)

	got, _ := store.GetCall(context.Background(), "call-1")
	assert.Equal(t, calls.StatusConnected, got.Status)
	assert.Empty(t, sink.topics)
}
