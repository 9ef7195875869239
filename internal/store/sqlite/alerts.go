package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"bloodgrid/internal/domain"
)

func (s *Store) CreateAlert(ctx context.Context, a domain.Alert) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO alerts(
			id, hospital_id, blood_type, urgency, units_needed, search_radius_km,
			status, auto_detected, priority_score, description, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.HospitalID, string(a.BloodType), string(a.Urgency), a.UnitsNeeded,
		a.SearchRadiusKm, string(a.Status), boolToInt(a.AutoDetected), a.PriorityScore,
		a.Description, a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "create alert")
	}
	return nil
}

const alertColumns = `id, hospital_id, blood_type, urgency, units_needed, search_radius_km,
	status, auto_detected, priority_score, description, created_at, updated_at`

func scanAlert(scan func(dest ...any) error) (domain.Alert, error) {
	var a domain.Alert
	var bloodType, urgency, status string
	var autoDetected int
	var created, updated int64
	if err := scan(
		&a.ID, &a.HospitalID, &bloodType, &urgency, &a.UnitsNeeded, &a.SearchRadiusKm,
		&status, &autoDetected, &a.PriorityScore, &a.Description, &created, &updated,
	); err != nil {
		return domain.Alert{}, err
	}
	a.BloodType = domain.BloodType(bloodType)
	a.Urgency = domain.Urgency(urgency)
	a.Status = domain.AlertStatus(status)
	a.AutoDetected = autoDetected != 0
	a.CreatedAt = unixToTime(created)
	a.UpdatedAt = unixToTime(updated)
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`,
		alertID,
	)
	a, err := scanAlert(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Alert{}, domain.NotFoundf("alert %s not found", alertID)
		}
		return domain.Alert{}, domain.Storagef(err, "get alert")
	}
	return a, nil
}

// FindOpenAlert returns the non-terminal alert for a hospital and blood type,
// if one exists. Shortage detection checks this before raising a new alert so
// repeated evaluations stay idempotent.
func (s *Store) FindOpenAlert(ctx context.Context, hospitalID string, bloodType domain.BloodType) (domain.Alert, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE hospital_id = ? AND blood_type = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		hospitalID, string(bloodType),
		string(domain.AlertStatusPending), string(domain.AlertStatusActive),
	)
	a, err := scanAlert(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Alert{}, false, nil
		}
		return domain.Alert{}, false, domain.Storagef(err, "find open alert")
	}
	return a, true, nil
}

func (s *Store) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(
			ctx,
			`SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC LIMIT ?`,
			limit,
		)
	} else {
		rows, err = s.db.QueryContext(
			ctx,
			`SELECT `+alertColumns+` FROM alerts WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit,
		)
	}
	if err != nil {
		return nil, domain.Storagef(err, "list alerts")
	}
	defer rows.Close()

	result := make([]domain.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan alert")
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate alerts")
	}
	return result, nil
}

// UpdateAlertStatusIf moves an alert between statuses only if it is still in
// the expected one.
func (s *Store) UpdateAlertStatusIf(ctx context.Context, alertID string, from, to domain.AlertStatus) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE alerts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Unix(), alertID, string(from),
	)
	if err != nil {
		return false, domain.Storagef(err, "update alert status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "alert status affected rows")
	}
	return affected > 0, nil
}

// CreateDonorResponse inserts a notified-donor row. The (alert_id, donor_id)
// unique constraint makes re-notification a no-op; the returned bool reports
// whether a new row was actually written.
func (s *Store) CreateDonorResponse(ctx context.Context, r domain.DonorResponse) (bool, error) {
	if r.NotifiedAt.IsZero() {
		r.NotifiedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO donor_responses(
			id, alert_id, donor_id, status, eta_minutes, response_time_sec,
			match_score, selected, confirmed, notified_at, responded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AlertID, r.DonorID, string(r.Status), r.ETAMinutes, r.ResponseTimeSec,
		r.MatchScore, boolToInt(r.Selected), boolToInt(r.Confirmed),
		r.NotifiedAt.Unix(), nullableUnix(r.RespondedAt),
	)
	if err != nil {
		return false, domain.Storagef(err, "create donor response")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "donor response affected rows")
	}
	return affected > 0, nil
}

const responseColumns = `id, alert_id, donor_id, status, eta_minutes, response_time_sec,
	match_score, selected, confirmed, notified_at, responded_at`

func scanResponse(scan func(dest ...any) error) (domain.DonorResponse, error) {
	var r domain.DonorResponse
	var status string
	var selected, confirmed int
	var notified int64
	var responded sql.NullInt64
	if err := scan(
		&r.ID, &r.AlertID, &r.DonorID, &status, &r.ETAMinutes, &r.ResponseTimeSec,
		&r.MatchScore, &selected, &confirmed, &notified, &responded,
	); err != nil {
		return domain.DonorResponse{}, err
	}
	r.Status = domain.ResponseStatus(status)
	r.Selected = selected != 0
	r.Confirmed = confirmed != 0
	r.NotifiedAt = unixToTime(notified)
	r.RespondedAt = int64ToTimePtr(responded)
	return r, nil
}

func (s *Store) GetDonorResponse(ctx context.Context, alertID, donorID string) (domain.DonorResponse, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+responseColumns+` FROM donor_responses WHERE alert_id = ? AND donor_id = ?`,
		alertID, donorID,
	)
	r, err := scanResponse(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DonorResponse{}, domain.NotFoundf("no response for donor %s on alert %s", donorID, alertID)
		}
		return domain.DonorResponse{}, domain.Storagef(err, "get donor response")
	}
	return r, nil
}

func (s *Store) ListResponses(ctx context.Context, alertID string) ([]domain.DonorResponse, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+responseColumns+` FROM donor_responses WHERE alert_id = ? ORDER BY notified_at ASC`,
		alertID,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list responses")
	}
	defer rows.Close()

	result := make([]domain.DonorResponse, 0)
	for rows.Next() {
		r, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan response")
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate responses")
	}
	return result, nil
}

// UpdateResponseStatusIf records a donor's answer only while the response row
// is still in the expected status. A donor answering twice, or answering after
// the timeout sweep marked them NO_RESPONSE, finds zero rows.
func (s *Store) UpdateResponseStatusIf(
	ctx context.Context,
	alertID, donorID string,
	from, to domain.ResponseStatus,
	etaMinutes, responseTimeSec int,
) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE donor_responses
		SET status = ?, eta_minutes = ?, response_time_sec = ?, responded_at = ?
		WHERE alert_id = ? AND donor_id = ? AND status = ?`,
		string(to), etaMinutes, responseTimeSec, time.Now().UTC().Unix(),
		alertID, donorID, string(from),
	)
	if err != nil {
		return false, domain.Storagef(err, "update response status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "response status affected rows")
	}
	return affected > 0, nil
}

// MarkResponseSelectedIf flags one accepted response as the selected match,
// guarded on no other response for the alert being selected yet.
func (s *Store) MarkResponseSelectedIf(ctx context.Context, alertID, donorID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE donor_responses SET selected = 1
		WHERE alert_id = ? AND donor_id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM donor_responses WHERE alert_id = ? AND selected = 1
		)`,
		alertID, donorID, string(domain.ResponseStatusAccepted), alertID,
	)
	if err != nil {
		return false, domain.Storagef(err, "mark response selected")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "response selected affected rows")
	}
	return affected > 0, nil
}

func (s *Store) MarkResponseConfirmed(ctx context.Context, alertID, donorID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE donor_responses SET confirmed = 1, status = ?
		WHERE alert_id = ? AND donor_id = ? AND selected = 1 AND confirmed = 0`,
		string(domain.ResponseStatusConfirmed), alertID, donorID,
	)
	if err != nil {
		return false, domain.Storagef(err, "mark response confirmed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "response confirmed affected rows")
	}
	return affected > 0, nil
}

// MarkNotifiedAsNoResponse flips every still-NOTIFIED row for an alert to
// NO_RESPONSE and returns how many rows changed.
func (s *Store) MarkNotifiedAsNoResponse(ctx context.Context, alertID string) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE donor_responses SET status = ? WHERE alert_id = ? AND status = ?`,
		string(domain.ResponseStatusNoResponse), alertID, string(domain.ResponseStatusNotified),
	)
	if err != nil {
		return 0, domain.Storagef(err, "mark notified as no response")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Storagef(err, "no response affected rows")
	}
	return affected, nil
}

func (s *Store) CreateWorkflowState(ctx context.Context, w domain.WorkflowState) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	meta := w.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Storagef(err, "marshal workflow metadata")
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_states(
			request_id, status, current_step, metadata, response_deadline_at,
			created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		w.RequestID, string(w.Status), w.CurrentStep, string(metaJSON),
		nullableUnix(w.ResponseDeadlineAt), w.CreatedAt.Unix(), w.UpdatedAt.Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "create workflow state")
	}
	return nil
}

func scanWorkflow(scan func(dest ...any) error) (domain.WorkflowState, error) {
	var w domain.WorkflowState
	var status, metaJSON string
	var deadline sql.NullInt64
	var created, updated int64
	if err := scan(&w.RequestID, &status, &w.CurrentStep, &metaJSON, &deadline, &created, &updated); err != nil {
		return domain.WorkflowState{}, err
	}
	w.Status = domain.WorkflowPhase(status)
	w.ResponseDeadlineAt = int64ToTimePtr(deadline)
	w.CreatedAt = unixToTime(created)
	w.UpdatedAt = unixToTime(updated)
	if err := json.Unmarshal([]byte(metaJSON), &w.Metadata); err != nil {
		return domain.WorkflowState{}, domain.Storagef(err, "unmarshal workflow metadata")
	}
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	return w, nil
}

const workflowColumns = `request_id, status, current_step, metadata, response_deadline_at, created_at, updated_at`

func (s *Store) GetWorkflowState(ctx context.Context, requestID string) (domain.WorkflowState, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+workflowColumns+` FROM workflow_states WHERE request_id = ?`,
		requestID,
	)
	w, err := scanWorkflow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowState{}, domain.NotFoundf("workflow %s not found", requestID)
		}
		return domain.WorkflowState{}, domain.Storagef(err, "get workflow state")
	}
	return w, nil
}

// AdvanceWorkflow moves a workflow from one phase to another inside a
// transaction, merging the given metadata keys into the stored map. The
// update is conditioned on the stored phase still being `from`, so two agents
// racing on the same transition leave exactly one winner.
func (s *Store) AdvanceWorkflow(
	ctx context.Context,
	requestID string,
	from, to domain.WorkflowPhase,
	step string,
	deadline *time.Time,
	meta map[string]string,
) (bool, error) {
	if !domain.PhaseAdvances(from, to) {
		return false, domain.Validationf("workflow cannot move from %s to %s", from, to)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Storagef(err, "begin advance workflow")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT metadata FROM workflow_states WHERE request_id = ? AND status = ?`,
		requestID, string(from),
	)
	var metaJSON string
	if err := row.Scan(&metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, domain.Storagef(err, "read workflow metadata")
	}

	merged := map[string]string{}
	if err := json.Unmarshal([]byte(metaJSON), &merged); err != nil {
		return false, domain.Storagef(err, "unmarshal workflow metadata")
	}
	for k, v := range meta {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return false, domain.Storagef(err, "marshal workflow metadata")
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE workflow_states
		SET status = ?, current_step = ?, metadata = ?, response_deadline_at = ?, updated_at = ?
		WHERE request_id = ? AND status = ?`,
		string(to), step, string(mergedJSON), nullableUnix(deadline),
		time.Now().UTC().Unix(), requestID, string(from),
	)
	if err != nil {
		return false, domain.Storagef(err, "advance workflow")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "advance workflow affected rows")
	}
	if affected == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Storagef(err, "commit advance workflow")
	}
	return true, nil
}

// MergeWorkflowMetadata adds keys to a workflow's metadata without touching
// its phase.
func (s *Store) MergeWorkflowMetadata(ctx context.Context, requestID string, meta map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storagef(err, "begin merge metadata")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT metadata FROM workflow_states WHERE request_id = ?`, requestID)
	var metaJSON string
	if err := row.Scan(&metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("workflow %s not found", requestID)
		}
		return domain.Storagef(err, "read workflow metadata")
	}

	merged := map[string]string{}
	if err := json.Unmarshal([]byte(metaJSON), &merged); err != nil {
		return domain.Storagef(err, "unmarshal workflow metadata")
	}
	for k, v := range meta {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return domain.Storagef(err, "marshal workflow metadata")
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE workflow_states SET metadata = ?, updated_at = ? WHERE request_id = ?`,
		string(mergedJSON), time.Now().UTC().Unix(), requestID,
	); err != nil {
		return domain.Storagef(err, "merge workflow metadata")
	}
	if err := tx.Commit(); err != nil {
		return domain.Storagef(err, "commit merge metadata")
	}
	return nil
}

// ListOverdueAwaiting returns workflows still awaiting donor responses whose
// deadline has passed.
func (s *Store) ListOverdueAwaiting(ctx context.Context, now time.Time) ([]domain.WorkflowState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+workflowColumns+` FROM workflow_states
		WHERE status = ? AND response_deadline_at IS NOT NULL AND response_deadline_at <= ?`,
		string(domain.PhaseAwaitingResponse), now.UTC().Unix(),
	)
	if err != nil {
		return nil, domain.Storagef(err, "list overdue workflows")
	}
	defer rows.Close()

	result := make([]domain.WorkflowState, 0)
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan workflow")
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate workflows")
	}
	return result, nil
}

func (s *Store) ListWorkflowStates(ctx context.Context, limit int) ([]domain.WorkflowState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+workflowColumns+` FROM workflow_states ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list workflow states")
	}
	defer rows.Close()

	result := make([]domain.WorkflowState, 0)
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan workflow")
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate workflows")
	}
	return result, nil
}

func (s *Store) CreateTransportRequest(ctx context.Context, t domain.TransportRequest) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transport_requests(
			id, request_id, from_hospital_id, to_hospital_id, blood_type, units,
			method, eta_minutes, status, reserve_expires_at, pickup_time,
			delivery_time, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RequestID, t.FromHospitalID, t.ToHospitalID, string(t.BloodType), t.Units,
		string(t.Method), t.ETAMinutes, string(t.Status), nullableUnix(t.ReserveExpiresAt),
		nullableUnix(t.PickupTime), nullableUnix(t.DeliveryTime),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "create transport request")
	}
	return nil
}

const transportColumns = `id, request_id, from_hospital_id, to_hospital_id, blood_type, units,
	method, eta_minutes, status, reserve_expires_at, pickup_time, delivery_time,
	created_at, updated_at`

func scanTransport(scan func(dest ...any) error) (domain.TransportRequest, error) {
	var t domain.TransportRequest
	var bloodType, method, status string
	var expires, pickup, delivery sql.NullInt64
	var created, updated int64
	if err := scan(
		&t.ID, &t.RequestID, &t.FromHospitalID, &t.ToHospitalID, &bloodType, &t.Units,
		&method, &t.ETAMinutes, &status, &expires, &pickup, &delivery, &created, &updated,
	); err != nil {
		return domain.TransportRequest{}, err
	}
	t.BloodType = domain.BloodType(bloodType)
	t.Method = domain.TransportMethod(method)
	t.Status = domain.TransportStatus(status)
	t.ReserveExpiresAt = int64ToTimePtr(expires)
	t.PickupTime = int64ToTimePtr(pickup)
	t.DeliveryTime = int64ToTimePtr(delivery)
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)
	return t, nil
}

func (s *Store) GetTransportRequest(ctx context.Context, transportID string) (domain.TransportRequest, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+transportColumns+` FROM transport_requests WHERE id = ?`,
		transportID,
	)
	t, err := scanTransport(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransportRequest{}, domain.NotFoundf("transport %s not found", transportID)
		}
		return domain.TransportRequest{}, domain.Storagef(err, "get transport")
	}
	return t, nil
}

func (s *Store) ListTransportsByRequest(ctx context.Context, requestID string) ([]domain.TransportRequest, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+transportColumns+` FROM transport_requests WHERE request_id = ? ORDER BY created_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list transports by request")
	}
	defer rows.Close()

	result := make([]domain.TransportRequest, 0)
	for rows.Next() {
		t, err := scanTransport(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan transport")
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate transports")
	}
	return result, nil
}

// UpdateTransportPlanIf writes the computed method and ETA onto a transport
// that is still in PLANNED state.
func (s *Store) UpdateTransportPlanIf(ctx context.Context, transportID string, method domain.TransportMethod, etaMinutes int) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE transport_requests SET method = ?, eta_minutes = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(method), etaMinutes, time.Now().UTC().Unix(),
		transportID, string(domain.TransportStatusPlanned),
	)
	if err != nil {
		return false, domain.Storagef(err, "update transport plan")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "transport plan affected rows")
	}
	return affected > 0, nil
}

// UpdateTransportStatusIf moves a transport between statuses only when it is
// still in the expected one, keeping the lifecycle forward-only.
func (s *Store) UpdateTransportStatusIf(ctx context.Context, transportID string, from, to domain.TransportStatus) (bool, error) {
	now := time.Now().UTC()
	var column string
	switch to {
	case domain.TransportStatusInTransit:
		column = "pickup_time"
	case domain.TransportStatusDelivered:
		column = "delivery_time"
	}

	query := `UPDATE transport_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{string(to), now.Unix(), transportID, string(from)}
	if column != "" {
		query = `UPDATE transport_requests SET status = ?, updated_at = ?, ` + column + ` = ? WHERE id = ? AND status = ?`
		args = []any{string(to), now.Unix(), now.Unix(), transportID, string(from)}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, domain.Storagef(err, "update transport status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "transport status affected rows")
	}
	return affected > 0, nil
}

// ListExpiredReservations returns planned transports whose inventory
// reservation hold has lapsed.
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time) ([]domain.TransportRequest, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+transportColumns+` FROM transport_requests
		WHERE status = ? AND reserve_expires_at IS NOT NULL AND reserve_expires_at <= ?`,
		string(domain.TransportStatusPlanned), now.UTC().Unix(),
	)
	if err != nil {
		return nil, domain.Storagef(err, "list expired reservations")
	}
	defer rows.Close()

	result := make([]domain.TransportRequest, 0)
	for rows.Next() {
		t, err := scanTransport(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan transport")
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate transports")
	}
	return result, nil
}
