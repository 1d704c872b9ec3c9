package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// DialMode selects which dialer drives a campaign.
type DialMode string

const (
	ModePredictive  DialMode = "predictive"
	ModeProgressive DialMode = "progressive"
	ModePreview     DialMode = "preview"
)

// Campaign statuses. The engine only ever reads campaigns; CRUD is external.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Campaign is a dialing campaign row. Settings and Schedule are stored as
// JSON columns and decoded once on load, not per tick.
type Campaign struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenantId"`
	Name      string    `db:"name" json:"name"`
	DialMode  DialMode  `db:"dial_mode" json:"dialMode"`
	Status    string    `db:"status" json:"status"`
	Settings  Settings  `db:"settings" json:"settings"`
	Schedule  *Schedule `db:"schedule" json:"schedule,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Settings is the typed view of the campaign settings blob. Unknown keys are
// preserved in Extra.
type Settings struct {
	RingTimeoutSec       int     `json:"ringTimeoutSec"`
	MaxAttempts          int     `json:"maxAttempts"`
	RetryIntervalSec     int     `json:"retryIntervalSec"`
	WrapUpTimeSec        int     `json:"wrapUpTimeSec"`
	DialRatioMin         float64 `json:"dialRatioMin"`
	DialRatioMax         float64 `json:"dialRatioMax"`
	AbandonRateTarget    float64 `json:"abandonRateTarget"`
	WaitForAgentSec      int     `json:"waitForAgentSec"`
	CallsPerAgent        int     `json:"callsPerAgent"`
	PreviewTimeSec       int     `json:"previewTimeSec"`
	AutoDialAfterPreview bool    `json:"autoDialAfterPreview"`
	CallerID             string  `json:"callerId"`
	DialPrefix           string  `json:"dialPrefix"` // e.g. sofia/default/

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown settings keys in Extra.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type alias Settings
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"ringTimeoutSec": true, "maxAttempts": true, "retryIntervalSec": true,
		"wrapUpTimeSec": true, "dialRatioMin": true, "dialRatioMax": true,
		"abandonRateTarget": true, "waitForAgentSec": true, "callsPerAgent": true,
		"previewTimeSec": true, "autoDialAfterPreview": true, "callerId": true,
		"dialPrefix": true,
	}
	for k := range raw {
		if known[k] {
			delete(raw, k)
		}
	}
	*s = Settings(a)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// Validate fills defaults and rejects nonsense combinations. Called once when
// the campaign is loaded for a start request.
func (s *Settings) Validate(mode DialMode) error {
	if s.RingTimeoutSec <= 0 {
		s.RingTimeoutSec = 30
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.RetryIntervalSec <= 0 {
		s.RetryIntervalSec = 3600
	}
	if s.WrapUpTimeSec < 0 {
		s.WrapUpTimeSec = 0
	}
	if s.WaitForAgentSec <= 0 {
		s.WaitForAgentSec = 5
	}
	if s.CallsPerAgent <= 0 {
		s.CallsPerAgent = 1
	}
	if s.PreviewTimeSec <= 0 {
		s.PreviewTimeSec = 30
	}
	if mode == ModePredictive {
		if s.DialRatioMin <= 0 {
			s.DialRatioMin = 1.0
		}
		if s.DialRatioMax < s.DialRatioMin {
			return fmt.Errorf("settings: dialRatioMax %.2f < dialRatioMin %.2f", s.DialRatioMax, s.DialRatioMin)
		}
		if s.AbandonRateTarget <= 0 || s.AbandonRateTarget >= 1 {
			return fmt.Errorf("settings: abandonRateTarget %.3f out of (0,1)", s.AbandonRateTarget)
		}
	}
	return nil
}

// Schedule is a weekly dialing window gate in the campaign's timezone.
type Schedule struct {
	Timezone string           `json:"timezone"`
	Windows  []ScheduleWindow `json:"windows"`
}

// ScheduleWindow is one weekday interval, times as "HH:MM".
type ScheduleWindow struct {
	Weekday int    `json:"weekday"` // 0=Sunday .. 6=Saturday
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Allows reports whether now falls inside any window. A nil schedule allows
// dialing at any time.
func (s *Schedule) Allows(now time.Time) bool {
	if s == nil || len(s.Windows) == 0 {
		return true
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	day := int(local.Weekday())
	hm := local.Format("15:04")
	for _, w := range s.Windows {
		if w.Weekday != day {
			continue
		}
		if w.Start <= hm && hm < w.End {
			return true
		}
	}
	return false
}

// Lead statuses the engine reads and writes. Leads are created externally.
const (
	LeadNew       = "new"
	LeadDialing   = "dialing"
	LeadContacted = "contacted"
	LeadRejected  = "rejected"
	LeadNoAnswer  = "no_answer"
	LeadBusy      = "busy"
	LeadFailed    = "failed"
	LeadAbandoned = "abandoned"
	LeadExhausted = "exhausted"
	LeadDoNotCall = "do_not_call"
)

// Lead is one dialable contact belonging to a campaign.
type Lead struct {
	ID            string          `db:"id" json:"id"`
	TenantID      string          `db:"tenant_id" json:"tenantId"`
	CampaignID    string          `db:"campaign_id" json:"campaignId"`
	Phone         string          `db:"phone" json:"phone"`
	AltPhone      *string         `db:"alt_phone" json:"altPhone,omitempty"`
	Priority      int             `db:"priority" json:"priority"`
	AttemptCount  int             `db:"attempt_count" json:"attemptCount"`
	LastAttemptAt *time.Time      `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time      `db:"next_attempt_at" json:"nextAttemptAt,omitempty"`
	Status        string          `db:"status" json:"status"`
	LastResult    *string         `db:"last_result" json:"lastResult,omitempty"`
	CustomFields  json.RawMessage `db:"custom_fields" json:"customFields,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// CallRecord is the durable row written exactly once when a call terminates.
type CallRecord struct {
	ID             string          `db:"id" json:"id"`
	TenantID       string          `db:"tenant_id" json:"tenantId"`
	CampaignID     *string         `db:"campaign_id" json:"campaignId,omitempty"`
	LeadID         *string         `db:"lead_id" json:"leadId,omitempty"`
	AgentID        *string         `db:"agent_id" json:"agentId,omitempty"`
	Direction      string          `db:"direction" json:"direction"`
	Status         string          `db:"status" json:"status"`
	Phone          string          `db:"phone" json:"phone"`
	CallerID       string          `db:"caller_id" json:"callerId"`
	SwitchUUID     string          `db:"switch_uuid" json:"switchUuid"`
	StartTime      time.Time       `db:"start_time" json:"startTime"`
	AnswerTime     *time.Time      `db:"answer_time" json:"answerTime,omitempty"`
	EndTime        *time.Time      `db:"end_time" json:"endTime,omitempty"`
	RingDurationMs int64           `db:"ring_duration_ms" json:"ringDurationMs"`
	TalkDurationMs int64           `db:"talk_duration_ms" json:"talkDurationMs"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}
