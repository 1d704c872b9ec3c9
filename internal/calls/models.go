package calls

import "time"

// Status is the live state of a call.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusConnected Status = "connected"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusFailed    Status = "failed"
	StatusNoAnswer  Status = "no_answer"
	StatusBusy      Status = "busy"
)

// Terminal reports whether a status ends the call lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusFailed, StatusNoAnswer, StatusBusy:
		return true
	}
	return false
}

// Call is the fast-path state of an in-flight (or recently ended) call.
// Live entries expire from the fast store 24h after their last touch; the
// durable record written at termination is the long-term copy.
type Call struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	CampaignID string `json:"campaignId,omitempty"`
	LeadID     string `json:"leadId,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	Direction  string `json:"direction"`
	Status     Status `json:"status"`
	Phone      string `json:"phone"`
	CallerID   string `json:"callerId"`
	SwitchUUID string `json:"switchUuid,omitempty"`
	SIPID      string `json:"sipId,omitempty"`

	StartTime  time.Time  `json:"startTime"`
	AnswerTime *time.Time `json:"answerTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`

	RingDurationMs int64 `json:"ringDurationMs"`
	TalkDurationMs int64 `json:"talkDurationMs"`

	// LastActivity is touched on every switch-driven mutation; the watchdog
	// uses it to spot calls the switch went silent on.
	LastActivity time.Time `json:"lastActivity"`

	// DurablePending marks a terminal call whose durable write failed and is
	// awaiting retry by the watchdog.
	DurablePending bool `json:"durablePending,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// TotalDurationMs is the wall time from start to end.
func (c *Call) TotalDurationMs() int64 {
	if c.EndTime == nil {
		return 0
	}
	return c.EndTime.Sub(c.StartTime).Milliseconds()
}

// Patch is a partial update merged into a call by UpdateCall.
type Patch struct {
	Status     *Status
	SwitchUUID *string
	SIPID      *string
	AgentID    *string
	Metadata   map[string]string
}

// Agent states.
const (
	AgentAvailable = "available"
	AgentOnCall    = "on_call"
	AgentWrapUp    = "wrap_up"
	AgentBreak     = "break"
	AgentOffline   = "offline"
)

// AgentStatus is the fast-path state of one agent.
type AgentStatus struct {
	AgentID         string    `json:"agentId"`
	TenantID        string    `json:"tenantId"`
	State           string    `json:"state"`
	CurrentCallID   string    `json:"currentCallId,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
	CallsHandled    int       `json:"callsHandled"`
}

// ValidAgentState reports whether s is a known agent state.
func ValidAgentState(s string) bool {
	switch s {
	case AgentAvailable, AgentOnCall, AgentWrapUp, AgentBreak, AgentOffline:
		return true
	}
	return false
}
