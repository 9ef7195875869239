package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"bloodgrid/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS hospitals (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS donors (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	blood_group TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	date_of_birth TEXT NOT NULL DEFAULT '',
	verification_status TEXT NOT NULL,
	strike_count INTEGER NOT NULL DEFAULT 0,
	suspended_until INTEGER NULL,
	last_donation_at INTEGER NULL,
	response_rate REAL NOT NULL DEFAULT 0,
	no_show_count INTEGER NOT NULL DEFAULT 0,
	median_response_sec INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_donors_blood_group ON donors(blood_group);

CREATE TABLE IF NOT EXISTS inventory_levels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hospital_id TEXT NOT NULL,
	blood_type TEXT NOT NULL,
	units_available INTEGER NOT NULL DEFAULT 0,
	units_reserved INTEGER NOT NULL DEFAULT 0,
	threshold_units INTEGER NOT NULL DEFAULT 0,
	last_restock_at INTEGER NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(hospital_id, blood_type),
	FOREIGN KEY(hospital_id) REFERENCES hospitals(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	hospital_id TEXT NOT NULL,
	blood_type TEXT NOT NULL,
	urgency TEXT NOT NULL,
	units_needed INTEGER NOT NULL DEFAULT 1,
	search_radius_km REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	auto_detected INTEGER NOT NULL DEFAULT 0,
	priority_score REAL NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(hospital_id) REFERENCES hospitals(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(hospital_id, blood_type, status);

CREATE TABLE IF NOT EXISTS donor_responses (
	id TEXT PRIMARY KEY,
	alert_id TEXT NOT NULL,
	donor_id TEXT NOT NULL,
	status TEXT NOT NULL,
	eta_minutes INTEGER NOT NULL DEFAULT 0,
	response_time_sec INTEGER NOT NULL DEFAULT 0,
	match_score REAL NOT NULL DEFAULT 0,
	selected INTEGER NOT NULL DEFAULT 0,
	confirmed INTEGER NOT NULL DEFAULT 0,
	notified_at INTEGER NOT NULL,
	responded_at INTEGER NULL,
	UNIQUE(alert_id, donor_id),
	FOREIGN KEY(alert_id) REFERENCES alerts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_donor_responses_alert ON donor_responses(alert_id, status);

CREATE TABLE IF NOT EXISTS workflow_states (
	request_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	response_deadline_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(request_id) REFERENCES alerts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_workflow_states_deadline ON workflow_states(status, response_deadline_at);

CREATE TABLE IF NOT EXISTS transport_requests (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	from_hospital_id TEXT NOT NULL,
	to_hospital_id TEXT NOT NULL,
	blood_type TEXT NOT NULL,
	units INTEGER NOT NULL DEFAULT 0,
	method TEXT NOT NULL DEFAULT '',
	eta_minutes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	reserve_expires_at INTEGER NULL,
	pickup_time INTEGER NULL,
	delivery_time INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(request_id) REFERENCES alerts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transport_requests_request ON transport_requests(request_id, status);
CREATE INDEX IF NOT EXISTS idx_transport_requests_expiry ON transport_requests(status, reserve_expires_at);

CREATE TABLE IF NOT EXISTS agent_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	lease_until INTEGER NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_events_dispatch ON agent_events(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_agent_events_request ON agent_events(request_id, created_at);

CREATE TABLE IF NOT EXISTS event_dedupe (
	key TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	event_id TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_decisions_request ON agent_decisions(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_agent_decisions_agent ON agent_decisions(agent_type, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.Storagef(err, "open sqlite")
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, domain.Storagef(err, "set sqlite pragma %q", stmt)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return domain.Storagef(err, "migrate schema")
	}
	return nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
