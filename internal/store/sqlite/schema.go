package sqlite

import "fmt"

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS queues (
			queue_id               TEXT PRIMARY KEY,
			tenant_id              TEXT NOT NULL,
			clinic_id              TEXT NOT NULL DEFAULT '',
			name                   TEXT NOT NULL,
			code                   TEXT NOT NULL DEFAULT '',
			kind                   TEXT NOT NULL,
			active                 INTEGER NOT NULL DEFAULT 1,
			target_service_minutes INTEGER NOT NULL,
			supports_priority      INTEGER NOT NULL DEFAULT 0,
			supports_scheduled     INTEGER NOT NULL DEFAULT 0,
			retry_limit            INTEGER NOT NULL,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticket_sequences (
			tenant_id   TEXT NOT NULL,
			queue_id    TEXT NOT NULL,
			service_day TEXT NOT NULL,
			next_number INTEGER NOT NULL,
			PRIMARY KEY (queue_id, service_day)
		);

		CREATE TABLE IF NOT EXISTS tickets (
			ticket_id        TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			queue_id         TEXT NOT NULL REFERENCES queues(queue_id),
			patient_id       TEXT NOT NULL DEFAULT '',
			patient_name     TEXT NOT NULL DEFAULT '',
			patient_document TEXT NOT NULL DEFAULT '',
			patient_phone    TEXT NOT NULL DEFAULT '',
			service_day      TEXT NOT NULL,
			number           INTEGER NOT NULL,
			display_number   TEXT NOT NULL,
			priority         INTEGER NOT NULL DEFAULT 0,
			priority_reason  TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			call_attempts    INTEGER NOT NULL DEFAULT 0,
			station_id       TEXT NOT NULL DEFAULT '',
			provider_id      TEXT NOT NULL DEFAULT '',
			room_id          TEXT NOT NULL DEFAULT '',
			appointment_id   TEXT NOT NULL DEFAULT '',
			entry_at         TEXT NOT NULL,
			called_at        TEXT,
			service_start_at TEXT,
			exit_at          TEXT,
			wait_minutes     INTEGER NOT NULL DEFAULT 0,
			service_minutes  INTEGER,
			notes            TEXT NOT NULL DEFAULT '',
			request_id       TEXT UNIQUE,
			version          INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			UNIQUE (queue_id, service_day, number)
		);

		CREATE TABLE IF NOT EXISTS ticket_events (
			ticket_id  TEXT NOT NULL,
			ticket_seq INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL,
			PRIMARY KEY (ticket_id, ticket_seq)
		);

		CREATE TABLE IF NOT EXISTS outbox_events (
			event_id     TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			type         TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_queues_tenant ON queues(tenant_id, clinic_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_queue_status ON tickets(queue_id, status);
		CREATE INDEX IF NOT EXISTS idx_tickets_patient ON tickets(tenant_id, patient_id);
		CREATE INDEX IF NOT EXISTS idx_outbox_tenant_created ON outbox_events(tenant_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}
