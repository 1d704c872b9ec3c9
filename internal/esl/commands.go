package esl

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Correlation channel variables attached to every originate. The switch
// echoes them on all downstream events, which is how events rejoin calls.
const (
	VarCallID     = "dialcore_call_id"
	VarCampaignID = "dialcore_campaign_id"
	VarLeadID     = "dialcore_lead_id"
	VarTenantID   = "dialcore_tenant_id"
	VarAgentID    = "dialcore_agent_id"
)

// OriginateParams describes one outbound leg.
type OriginateParams struct {
	Dest       string            // dial string, e.g. sofia/default/+15551230000
	CallerID   string            // origination caller id number
	TimeoutSec int               // ring timeout
	Variables  map[string]string // correlation + custom channel variables
	EarlyMedia bool
	RingReady  bool
}

// Originate asks the switch to place an outbound leg. It returns the
// background job id immediately; the resulting call is observed through
// channel events, never through this return value. Answered legs park until
// an agent is bridged in.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (string, error) {
	vars := map[string]string{
		"origination_caller_id_number": p.CallerID,
		"origination_timeout":          fmt.Sprintf("%d", p.TimeoutSec),
		"ignore_early_media":           boolVar(!p.EarlyMedia),
		"return_ring_ready":            boolVar(p.RingReady),
	}
	for k, v := range p.Variables {
		vars[k] = v
	}

	cmd := fmt.Sprintf("bgapi originate %s%s &park()", formatVars(vars), p.Dest)
	f, err := c.sendCommand(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("originate %s: %w", p.Dest, err)
	}

	reply := f.headers["Reply-Text"]
	if !strings.HasPrefix(reply, "+OK") {
		return "", fmt.Errorf("originate %s refused: %s", p.Dest, reply)
	}
	if jobID := f.headers["Job-UUID"]; jobID != "" {
		return jobID, nil
	}
	// Older switches put the job id in the reply text: "+OK Job-UUID: <id>"
	if _, id, ok := strings.Cut(reply, "Job-UUID: "); ok {
		return strings.TrimSpace(id), nil
	}
	return "", nil
}

// Bridge joins the audio of two channels.
func (c *Client) Bridge(ctx context.Context, uuidA, uuidB string) error {
	return c.api(ctx, fmt.Sprintf("uuid_bridge %s %s", uuidA, uuidB))
}

// Hangup terminates a channel with the given cause.
func (c *Client) Hangup(ctx context.Context, uuid, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	return c.api(ctx, fmt.Sprintf("uuid_kill %s %s", uuid, cause))
}

// Transfer moves a channel to a destination in a dialplan context.
func (c *Client) Transfer(ctx context.Context, uuid, dest, dialplan, dpContext string) error {
	return c.api(ctx, fmt.Sprintf("uuid_transfer %s %s %s %s", uuid, dest, dialplan, dpContext))
}

// Answer answers an inbound channel.
func (c *Client) Answer(ctx context.Context, uuid string) error {
	return c.api(ctx, fmt.Sprintf("uuid_answer %s", uuid))
}

// PreAnswer signals early media on a channel.
func (c *Client) PreAnswer(ctx context.Context, uuid string) error {
	return c.api(ctx, fmt.Sprintf("uuid_preanswer %s", uuid))
}

// Park removes a channel from its current extension and holds it.
func (c *Client) Park(ctx context.Context, uuid string) error {
	return c.api(ctx, fmt.Sprintf("uuid_park %s", uuid))
}

// Deflect sends a REFER to redirect the far end.
func (c *Client) Deflect(ctx context.Context, uuid, dest string) error {
	return c.api(ctx, fmt.Sprintf("uuid_deflect %s %s", uuid, dest))
}

// SetVar sets a channel variable.
func (c *Client) SetVar(ctx context.Context, uuid, name, value string) error {
	return c.api(ctx, fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
}

// GetVar reads a channel variable.
func (c *Client) GetVar(ctx context.Context, uuid, name string) (string, error) {
	f, err := c.sendCommand(ctx, fmt.Sprintf("api uuid_getvar %s %s", uuid, name))
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(f.body)
	if strings.HasPrefix(body, "-ERR") {
		return "", fmt.Errorf("getvar %s on %s: %s", name, uuid, body)
	}
	return body, nil
}

// RecordStart begins recording a channel to path.
func (c *Client) RecordStart(ctx context.Context, uuid, path string) error {
	return c.api(ctx, fmt.Sprintf("uuid_record %s start %s", uuid, path))
}

// RecordStop ends a recording.
func (c *Client) RecordStop(ctx context.Context, uuid, path string) error {
	return c.api(ctx, fmt.Sprintf("uuid_record %s stop %s", uuid, path))
}

// EavesdropMode selects listen, whisper or barge for supervisor audio.
type EavesdropMode string

const (
	EavesdropListen  EavesdropMode = "listen"
	EavesdropWhisper EavesdropMode = "whisper"
	EavesdropBarge   EavesdropMode = "barge"
)

// Eavesdrop attaches a supervisor destination to a live call.
func (c *Client) Eavesdrop(ctx context.Context, uuid, supervisorDest string, mode EavesdropMode) error {
	vars := map[string]string{"eavesdrop_mode": string(mode)}
	cmd := fmt.Sprintf("bgapi originate %s%s &eavesdrop(%s)", formatVars(vars), supervisorDest, uuid)
	f, err := c.sendCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if rt := f.headers["Reply-Text"]; !strings.HasPrefix(rt, "+OK") {
		return fmt.Errorf("eavesdrop refused: %s", rt)
	}
	return nil
}

// Playback plays a file to a channel. Best-effort.
func (c *Client) Playback(uuid, file string) {
	c.submitBestEffort(fmt.Sprintf("api uuid_broadcast %s %s aleg", uuid, file))
}

// Broadcast plays a file to one or both legs. Best-effort.
func (c *Client) Broadcast(uuid, path, leg string) {
	c.submitBestEffort(fmt.Sprintf("api uuid_broadcast %s %s %s", uuid, path, leg))
}

// SendDTMF sends digits on a channel. Best-effort.
func (c *Client) SendDTMF(uuid, digits string) {
	c.submitBestEffort(fmt.Sprintf("api uuid_send_dtmf %s %s", uuid, digits))
}

// Hold places a channel on hold. Best-effort.
func (c *Client) Hold(uuid string) {
	c.submitBestEffort(fmt.Sprintf("api uuid_hold %s", uuid))
}

// Unhold takes a channel off hold. Best-effort.
func (c *Client) Unhold(uuid string) {
	c.submitBestEffort(fmt.Sprintf("api uuid_hold off %s", uuid))
}

// api runs a synchronous command and surfaces a non-success reply as error.
func (c *Client) api(ctx context.Context, cmd string) error {
	f, err := c.sendCommand(ctx, "api "+cmd)
	if err != nil {
		return err
	}
	body := strings.TrimSpace(f.body)
	if strings.HasPrefix(body, "-ERR") {
		return fmt.Errorf("%s: %s", cmd, body)
	}
	if rt := f.headers["Reply-Text"]; strings.HasPrefix(rt, "-ERR") {
		return fmt.Errorf("%s: %s", cmd, rt)
	}
	return nil
}

func formatVars(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic command text
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func boolVar(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
