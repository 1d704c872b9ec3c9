package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the engine's view of the durable catalog. The engine reads
// campaigns and leads, writes lead dialing bookkeeping, and inserts one
// terminal row per call. It never creates campaigns or leads.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over an open connection.
func NewRepository(conn *Connection) *Repository {
	return &Repository{db: conn.DB}
}

// GetDB exposes the raw handle for health checks.
func (r *Repository) GetDB() *sql.DB {
	return r.db
}

// GetCampaign loads a campaign row and decodes its settings and schedule.
func (r *Repository) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, dial_mode, status, settings, schedule, created_at, updated_at
		FROM campaigns WHERE id = ?`, id)

	var c Campaign
	var settingsJSON []byte
	var scheduleJSON sql.Null[[]byte]
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.DialMode, &c.Status,
		&settingsJSON, &scheduleJSON, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading campaign %s: %w", id, err)
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
			return nil, fmt.Errorf("campaign %s settings: %w", id, err)
		}
	}
	if scheduleJSON.Valid && len(scheduleJSON.V) > 0 {
		var s Schedule
		if err := json.Unmarshal(scheduleJSON.V, &s); err != nil {
			return nil, fmt.Errorf("campaign %s schedule: %w", id, err)
		}
		c.Schedule = &s
	}
	return &c, nil
}

// ListCampaignIDsByStatus returns campaign ids in the given status.
func (r *Repository) ListCampaignIDsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM campaigns WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// dialableStatuses are lead states the dialers may pick up again.
const dialableStatuses = `'new','no_answer','busy','failed','abandoned'`

// GetEligibleLeads fetches the next leads to dial for a campaign, by priority
// ascending then oldest attempt first. A lead is eligible when its status is
// dialable, it has attempts left, and its retry interval has elapsed.
func (r *Repository) GetEligibleLeads(ctx context.Context, campaignID string, retryInterval time.Duration, maxAttempts, limit int) ([]Lead, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, campaign_id, phone, alt_phone, priority, attempt_count,
		       last_attempt_at, next_attempt_at, status, last_result, custom_fields, created_at
		FROM leads
		WHERE campaign_id = ?
		  AND status IN (`+dialableStatuses+`)
		  AND attempt_count < ?
		  AND (last_attempt_at IS NULL OR last_attempt_at < NOW() - INTERVAL ? SECOND)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY priority ASC, last_attempt_at ASC
		LIMIT ?`,
		campaignID, maxAttempts, int(retryInterval.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching eligible leads for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.ID, &l.TenantID, &l.CampaignID, &l.Phone, &l.AltPhone,
			&l.Priority, &l.AttemptCount, &l.LastAttemptAt, &l.NextAttemptAt,
			&l.Status, &l.LastResult, &l.CustomFields, &l.CreatedAt); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// MarkLeadDialing transitions a lead to dialing and bumps its attempt
// bookkeeping in one statement, so attempt_count stays strictly monotone and
// last_attempt_at never moves backward.
func (r *Repository) MarkLeadDialing(ctx context.Context, leadID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = NOW()
		WHERE id = ?`, LeadDialing, leadID)
	if err != nil {
		return fmt.Errorf("marking lead %s dialing: %w", leadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SettleLead writes the outcome of an attempt. A lead that runs out of
// attempts without being contacted is parked as exhausted so it is never
// fetched again.
func (r *Repository) SettleLead(ctx context.Context, leadID, status string, result *string, maxAttempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET status = CASE
			WHEN ? IN ('contacted','rejected','do_not_call') THEN ?
			WHEN attempt_count >= ? THEN 'exhausted'
			ELSE ?
		END,
		last_result = COALESCE(?, last_result)
		WHERE id = ?`,
		status, status, maxAttempts, status, result, leadID)
	if err != nil {
		return fmt.Errorf("settling lead %s: %w", leadID, err)
	}
	return nil
}

// UpdateLeadStatus sets a lead status directly (reject/do-not-call paths).
func (r *Repository) UpdateLeadStatus(ctx context.Context, leadID, status string, result *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, last_result = COALESCE(?, last_result) WHERE id = ?`,
		status, result, leadID)
	if err != nil {
		return fmt.Errorf("updating lead %s: %w", leadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLeadSkip notes the skipping agent on the lead's custom fields so the
// lead can be offered to someone else.
func (r *Repository) RecordLeadSkip(ctx context.Context, leadID, agentID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET custom_fields = JSON_SET(COALESCE(custom_fields, '{}'), '$.skippedBy', ?)
		WHERE id = ?`, agentID, leadID)
	if err != nil {
		return fmt.Errorf("recording skip on lead %s: %w", leadID, err)
	}
	return nil
}

// InsertCallRecord persists the terminal row for a call. Inserting the same
// call id twice is a no-op, which makes watchdog retries safe.
func (r *Repository) InsertCallRecord(ctx context.Context, rec *CallRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_records
			(id, tenant_id, campaign_id, lead_id, agent_id, direction, status, phone,
			 caller_id, switch_uuid, start_time, answer_time, end_time,
			 ring_duration_ms, talk_duration_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		rec.ID, rec.TenantID, rec.CampaignID, rec.LeadID, rec.AgentID,
		rec.Direction, rec.Status, rec.Phone, rec.CallerID, rec.SwitchUUID,
		rec.StartTime, rec.AnswerTime, rec.EndTime,
		rec.RingDurationMs, rec.TalkDurationMs, nullableJSON(rec.Metadata))
	if err != nil {
		return fmt.Errorf("inserting call record %s: %w", rec.ID, err)
	}
	return nil
}

// CountLeadsByStatus returns lead counts per status for campaign metrics.
func (r *Repository) CountLeadsByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM leads WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("counting leads for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
