package postgres

// schema creates the tables the collector and analyzer use. Every
// statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS meters (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	host             TEXT NOT NULL,
	port             INTEGER NOT NULL DEFAULT 502,
	unit_id          SMALLINT NOT NULL DEFAULT 1,
	status           TEXT NOT NULL DEFAULT 'active',
	profile          TEXT NOT NULL DEFAULT '',
	next_maintenance TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS meter_readings (
	meter_id        TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	register_values JSONB NOT NULL,
	success         BOOLEAN NOT NULL,
	error_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS meter_readings_meter_ts_idx ON meter_readings (meter_id, ts DESC);

CREATE TABLE IF NOT EXISTS meter_triggers (
	id         UUID PRIMARY KEY,
	meter_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS meter_triggers_meter_idx ON meter_triggers (meter_id, created_at DESC);

CREATE TABLE IF NOT EXISTS meter_alerts (
	id         BIGSERIAL PRIMARY KEY,
	meter_id   TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS meter_alerts_window_idx ON meter_alerts (meter_id, alert_type, sent_at);
`
