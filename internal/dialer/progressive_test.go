package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcore/internal/database"
)

func TestProgressiveDialsOnePerIdleAgent(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModeProgressive)
	leads.campaigns[camp.ID] = camp
	for i := 0; i < 5; i++ {
		leads.queue = append(leads.queue, database.Lead{
			ID: "lead-" + string(rune('a'+i)), CampaignID: camp.ID, Phone: "5550000",
		})
	}
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))
	store.addAgent("agent-2", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewProgressiveDialer(d, camp)
	p.dialOnce()

	assert.Equal(t, 2, sw.originateCount())

	// Both in flight; a second tick adds nothing.
	p.dialOnce()
	assert.Equal(t, 2, sw.originateCount())
}

func TestProgressiveZeroAgentsNoDialing(t *testing.T) {
	d, _, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModeProgressive)
	leads.campaigns[camp.ID] = camp
	leads.queue = []database.Lead{{ID: "lead-1", CampaignID: camp.ID, Phone: "5550001"}}

	p := NewProgressiveDialer(d, camp)
	p.dialOnce()

	assert.Equal(t, 0, sw.originateCount())
}

func TestProgressiveOriginateFailureSettlesLead(t *testing.T) {
	d, store, leads, sw, sink := testDeps()
	camp := testCampaign(database.ModeProgressive)
	leads.campaigns[camp.ID] = camp
	leads.queue = []database.Lead{{ID: "lead-1", CampaignID: camp.ID, Phone: "5550001"}}
	sw.originateErr = assert.AnError
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewProgressiveDialer(d, camp)
	p.dialOnce()

	// The attempt was made: lead marked dialing then settled failed, the
	// failed call still produced an ended event, and the line was released.
	require.Contains(t, leads.marked, "lead-1")
	assert.Equal(t, database.LeadFailed, leads.settledStatus("lead-1"))
	assert.Contains(t, sink.topics, "calls.ended")
	assert.Equal(t, 0, d.lines.ActiveForCampaign(camp.ID))
}

func TestProgressiveOriginateCarriesCorrelationVars(t *testing.T) {
	d, store, leads, sw, _ := testDeps()
	camp := testCampaign(database.ModeProgressive)
	camp.Settings.CallerID = "5559999"
	camp.Settings.DialPrefix = "sofia/gateway/main/"
	leads.campaigns[camp.ID] = camp
	leads.queue = []database.Lead{{ID: "lead-1", CampaignID: camp.ID, Phone: "5550001"}}
	store.addAgent("agent-1", camp.TenantID, time.Now().Add(-time.Minute))

	p := NewProgressiveDialer(d, camp)
	p.dialOnce()

	require.Equal(t, 1, sw.originateCount())
	orig := sw.originates[0]
	assert.Equal(t, "sofia/gateway/main/5550001", orig.Dest)
	assert.Equal(t, "5559999", orig.CallerID)
	assert.Equal(t, camp.ID, orig.Variables["dialcore_campaign_id"])
	assert.Equal(t, "lead-1", orig.Variables["dialcore_lead_id"])
	assert.Equal(t, camp.TenantID, orig.Variables["dialcore_tenant_id"])
	assert.NotEmpty(t, orig.Variables["dialcore_call_id"])
}
