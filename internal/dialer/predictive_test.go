package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcore/internal/database"
)

func feedOutcomes(w *OutcomeWindow, answered, abandoned, noAnswer int) {
	for i := 0; i < answered; i++ {
		w.Record(true, false, time.Minute)
	}
	for i := 0; i < abandoned; i++ {
		w.Record(true, true, 0)
	}
	for i := 0; i < noAnswer; i++ {
		w.Record(false, false, 0)
	}
}

func TestPredictiveRatioStartsAtMidpoint(t *testing.T) {
	d, _, _, _, _ := testDeps()
	p := NewPredictiveDialer(d, testCampaign(database.ModePredictive))
	assert.InDelta(t, 1.85, p.Ratio(), 1e-9)
}

func TestPredictiveSteadyStateHoldsRatio(t *testing.T) {
	d, _, _, _, _ := testDeps()
	p := NewPredictiveDialer(d, testCampaign(database.ModePredictive))

	// 100 outcomes at exactly the 3% target: dead-band, no adjustment.
	feedOutcomes(p.window, 25, 3, 72)
	p.adjustOnce()

	assert.InDelta(t, 1.85, p.Ratio(), 1e-9)
}

func TestPredictiveOverAbandonLowersRatio(t *testing.T) {
	d, _, _, _, _ := testDeps()
	p := NewPredictiveDialer(d, testCampaign(database.ModePredictive))

	// a=6% against a 3% target: delta = 0.1 * (0.06-0.03)/0.03 = 0.1.
	feedOutcomes(p.window, 24, 6, 70)
	p.adjustOnce()

	assert.InDelta(t, 1.75, p.Ratio(), 1e-9)
}

func TestPredictiveUnderAbandonRaisesRatio(t *testing.T) {
	d, _, _, _, _ := testDeps()
	p := NewPredictiveDialer(d, testCampaign(database.ModePredictive))

	feedOutcomes(p.window, 30, 0, 70)
	p.adjustOnce()

	assert.Greater(t, p.Ratio(), 1.85)
}

func TestPredictiveRatioStaysClamped(t *testing.T) {
	d, _, _, _, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	p := NewPredictiveDialer(d, camp)

	// Drive the ratio down repeatedly; it must never leave the bounds.
	feedOutcomes(p.window, 0, 50, 50)
	for i := 0; i < 50; i++ {
		p.adjustOnce()
	}
	assert.InDelta(t, camp.Settings.DialRatioMin, p.Ratio(), 1e-9)
}

func TestPredictiveNeedsMinimumSamples(t *testing.T) {
	d, _, _, _, _ := testDeps()
	p := NewPredictiveDialer(d, testCampaign(database.ModePredictive))

	feedOutcomes(p.window, 5, 5, 5) // 15 < 20 samples
	p.adjustOnce()

	assert.InDelta(t, 1.85, p.Ratio(), 1e-9)
}

func TestPredictiveDialsCeilOfAgentsTimesRatio(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp
	for i := 0; i < 20; i++ {
		leads.queue = append(leads.queue, database.Lead{
			ID: "lead-" + string(rune('a'+i)), CampaignID: camp.ID, Phone: "5550000",
		})
	}
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))
	store.addAgent("agent-2", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewPredictiveDialer(d, camp)
	p.dialOnce()

	// ceil(2 * 1.85) = 4 originates.
	assert.Equal(t, 4, sw.originateCount())
	assert.Len(t, leads.marked, 4)
}

func TestPredictiveZeroAgentsNoDialing(t *testing.T) {
	d, _, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp
	leads.queue = []database.Lead{{ID: "lead-1", CampaignID: camp.ID, Phone: "5550001"}}

	p := NewPredictiveDialer(d, camp)
	p.dialOnce()

	assert.Equal(t, 0, sw.originateCount())
}

func TestPredictiveEmptyLeadPoolNoOriginates(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewPredictiveDialer(d, camp)
	p.dialOnce()

	assert.Equal(t, 0, sw.originateCount())
}

func TestPredictiveSubtractsInProgressCalls(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	leads.campaigns[camp.ID] = camp
	for i := 0; i < 10; i++ {
		leads.queue = append(leads.queue, database.Lead{
			ID: "lead-" + string(rune('a'+i)), CampaignID: camp.ID, Phone: "5550000",
		})
	}
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))
	store.addAgent("agent-2", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewPredictiveDialer(d, camp)
	p.dialOnce()
	require.Equal(t, 4, sw.originateCount())

	// Next tick: target still 4, all 4 in flight, nothing more to dial.
	p.dialOnce()
	assert.Equal(t, 4, sw.originateCount())
}

func TestPredictiveScheduleGatesDialing(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModePredictive)
	// A schedule with a window that never matches the current time.
	day := int(time.Now().Weekday()+1) % 7
	camp.Schedule = &database.Schedule{
		Timezone: "UTC",
		Windows: []database.ScheduleWindow{
			{Weekday: day, Start: "09:00", End: "17:00"},
		},
	}
	leads.campaigns[camp.ID] = camp
	leads.queue = []database.Lead{{ID: "lead-1", CampaignID: camp.ID, Phone: "5550001"}}
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewPredictiveDialer(d, camp)
	p.dialOnce()

	assert.Equal(t, 0, sw.originateCount())
}
