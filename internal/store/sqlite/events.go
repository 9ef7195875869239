package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"bloodgrid/internal/domain"
)

// AppendEvent inserts a durable event row in pending status. When dedupeKey is
// non-empty the key is claimed first; a second append with the same key writes
// nothing and returns false.
func (s *Store) AppendEvent(ctx context.Context, ev domain.AgentEvent, dedupeKey string) (bool, error) {
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = now
	}
	if ev.Status == "" {
		ev.Status = domain.EventStatusPending
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Storagef(err, "begin append event")
	}
	defer func() { _ = tx.Rollback() }()

	if dedupeKey != "" {
		res, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO event_dedupe(key, event_id, created_at) VALUES(?, ?, ?)`,
			dedupeKey, ev.ID, now.Unix(),
		)
		if err != nil {
			return false, domain.Storagef(err, "claim dedupe key")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, domain.Storagef(err, "dedupe affected rows")
		}
		if affected == 0 {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO agent_events(
			id, type, agent_type, request_id, payload, status, processed,
			attempts, next_attempt_at, lease_until, last_error, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?)`,
		ev.ID, string(ev.Type), string(ev.AgentType), ev.RequestID, string(ev.Payload),
		string(ev.Status), boolToInt(ev.Processed), ev.Attempts,
		ev.NextAttemptAt.Unix(), ev.CreatedAt.Unix(),
	); err != nil {
		return false, domain.Storagef(err, "append event")
	}

	if err := tx.Commit(); err != nil {
		return false, domain.Storagef(err, "commit append event")
	}
	return true, nil
}

const eventColumns = `id, type, agent_type, request_id, payload, status, processed,
	attempts, next_attempt_at, last_error, created_at`

func scanEvent(scan func(dest ...any) error) (domain.AgentEvent, error) {
	var ev domain.AgentEvent
	var evType, agentType, status, payload string
	var processed int
	var nextAttempt, created int64
	if err := scan(
		&ev.ID, &evType, &agentType, &ev.RequestID, &payload, &status, &processed,
		&ev.Attempts, &nextAttempt, &ev.LastError, &created,
	); err != nil {
		return domain.AgentEvent{}, err
	}
	ev.Type = domain.EventType(evType)
	ev.AgentType = domain.AgentType(agentType)
	ev.Payload = json.RawMessage(payload)
	ev.Status = domain.EventStatus(status)
	ev.Processed = processed != 0
	ev.NextAttemptAt = unixToTime(nextAttempt)
	ev.CreatedAt = unixToTime(created)
	return ev, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (domain.AgentEvent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+eventColumns+` FROM agent_events WHERE id = ?`,
		eventID,
	)
	ev, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentEvent{}, domain.NotFoundf("event %s not found", eventID)
		}
		return domain.AgentEvent{}, domain.Storagef(err, "get event")
	}
	return ev, nil
}

// ListDispatchableEvents returns pending events whose next attempt time has
// arrived, oldest first.
func (s *Store) ListDispatchableEvents(ctx context.Context, now time.Time, limit int) ([]domain.AgentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM agent_events
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		string(domain.EventStatusPending), now.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list dispatchable events")
	}
	defer rows.Close()

	result := make([]domain.AgentEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan event")
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate events")
	}
	return result, nil
}

// ClaimEventForDispatch moves a pending event to dispatching under a lease.
// Only one dispatcher wins the claim.
func (s *Store) ClaimEventForDispatch(ctx context.Context, eventID string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_events
		SET status = ?, attempts = attempts + 1, lease_until = ?
		WHERE id = ? AND status = ?`,
		string(domain.EventStatusDispatching), leaseUntil.UTC().Unix(),
		eventID, string(domain.EventStatusPending),
	)
	if err != nil {
		return false, domain.Storagef(err, "claim event")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "claim event affected rows")
	}
	return affected > 0, nil
}

func (s *Store) MarkEventDelivered(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_events SET status = ?, lease_until = NULL, last_error = ''
		WHERE id = ? AND status = ?`,
		string(domain.EventStatusDelivered), eventID, string(domain.EventStatusDispatching),
	)
	if err != nil {
		return false, domain.Storagef(err, "mark event delivered")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "event delivered affected rows")
	}
	return affected > 0, nil
}

// ListExpiredInFlightEvents returns dispatching events whose lease has passed;
// the watchdog re-queues or fails them.
func (s *Store) ListExpiredInFlightEvents(ctx context.Context, now time.Time) ([]domain.AgentEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM agent_events
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until <= ?`,
		string(domain.EventStatusDispatching), now.UTC().Unix(),
	)
	if err != nil {
		return nil, domain.Storagef(err, "list expired in-flight events")
	}
	defer rows.Close()

	result := make([]domain.AgentEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan event")
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate events")
	}
	return result, nil
}

// MarkEventForRetry returns a dispatching event to pending with a backoff
// time, or parks it as failed when retries are spent.
func (s *Store) MarkEventForRetry(ctx context.Context, eventID string, nextAttempt time.Time, lastErr string, maxAttempts int) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_events
		SET status = CASE WHEN attempts >= ? THEN ? ELSE ? END,
			next_attempt_at = ?, lease_until = NULL, last_error = ?
		WHERE id = ? AND status = ?`,
		maxAttempts, string(domain.EventStatusFailed), string(domain.EventStatusPending),
		nextAttempt.UTC().Unix(), lastErr, eventID, string(domain.EventStatusDispatching),
	)
	if err != nil {
		return false, domain.Storagef(err, "mark event for retry")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "event retry affected rows")
	}
	return affected > 0, nil
}

// MarkEventProcessed flips the processed bit exactly once. Handlers call this
// before acting on a delivered event so a redelivery becomes a no-op.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_events SET processed = 1 WHERE id = ? AND processed = 0`,
		eventID,
	)
	if err != nil {
		return false, domain.Storagef(err, "mark event processed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "event processed affected rows")
	}
	return affected > 0, nil
}

func (s *Store) ListEventsByRequest(ctx context.Context, requestID string) ([]domain.AgentEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM agent_events WHERE request_id = ? ORDER BY created_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list events by request")
	}
	defer rows.Close()

	result := make([]domain.AgentEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan event")
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate events")
	}
	return result, nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.AgentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM agent_events ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list events")
	}
	defer rows.Close()

	result := make([]domain.AgentEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan event")
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate events")
	}
	return result, nil
}

// LogDecision appends one audit row. Decision rows are write-once.
func (s *Store) LogDecision(ctx context.Context, d domain.AgentDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if len(d.Decision) == 0 {
		d.Decision = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_decisions(
			agent_type, event_type, request_id, event_id, decision, confidence, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		string(d.AgentType), d.EventType, d.RequestID, d.EventID,
		string(d.Decision), d.Confidence, d.CreatedAt.Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "log decision")
	}
	return nil
}

const decisionColumns = `id, agent_type, event_type, request_id, event_id, decision, confidence, created_at`

func scanDecision(scan func(dest ...any) error) (domain.AgentDecision, error) {
	var d domain.AgentDecision
	var agentType, decision string
	var created int64
	if err := scan(&d.ID, &agentType, &d.EventType, &d.RequestID, &d.EventID, &decision, &d.Confidence, &created); err != nil {
		return domain.AgentDecision{}, err
	}
	d.AgentType = domain.AgentType(agentType)
	d.Decision = json.RawMessage(decision)
	d.CreatedAt = unixToTime(created)
	return d, nil
}

func (s *Store) ListDecisionsByRequest(ctx context.Context, requestID string) ([]domain.AgentDecision, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+decisionColumns+` FROM agent_decisions WHERE request_id = ? ORDER BY created_at ASC, id ASC`,
		requestID,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list decisions by request")
	}
	defer rows.Close()

	result := make([]domain.AgentDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan decision")
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate decisions")
	}
	return result, nil
}

func (s *Store) ListDecisionsByAgent(ctx context.Context, agent domain.AgentType, limit int) ([]domain.AgentDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+decisionColumns+` FROM agent_decisions WHERE agent_type = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(agent), limit,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list decisions by agent")
	}
	defer rows.Close()

	result := make([]domain.AgentDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan decision")
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate decisions")
	}
	return result, nil
}

func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]domain.AgentDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+decisionColumns+` FROM agent_decisions ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list recent decisions")
	}
	defer rows.Close()

	result := make([]domain.AgentDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan decision")
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate decisions")
	}
	return result, nil
}
