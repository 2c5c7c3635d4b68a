package sqlite

import "github.com/montserZalloum/memora/internal/storage"

// Timestamps are stored as INTEGER unix milliseconds.
var migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "initial",
		Up: `
CREATE TABLE IF NOT EXISTS seasons (
	name              TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'created',
	end_date          INTEGER,
	auto_archive      INTEGER NOT NULL DEFAULT 0,
	partition_created INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seasons_status ON seasons(status);

CREATE TABLE IF NOT EXISTS schedule (
	user_id        TEXT NOT NULL,
	season         TEXT NOT NULL,
	item_id        TEXT NOT NULL,
	stability      INTEGER NOT NULL CHECK (stability BETWEEN 1 AND 4),
	next_review_at INTEGER NOT NULL,
	last_review_at INTEGER NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	topic          TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	revision       INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (user_id, season, item_id)
);
CREATE INDEX IF NOT EXISTS idx_schedule_user_due ON schedule(user_id, next_review_at);
CREATE INDEX IF NOT EXISTS idx_schedule_season ON schedule(season);

CREATE TABLE IF NOT EXISTS archive (
	user_id               TEXT NOT NULL,
	season                TEXT NOT NULL,
	item_id               TEXT NOT NULL,
	stability             INTEGER NOT NULL,
	next_review_at        INTEGER NOT NULL,
	last_review_at        INTEGER NOT NULL,
	subject               TEXT NOT NULL DEFAULT '',
	topic                 TEXT NOT NULL DEFAULT '',
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL,
	revision              INTEGER NOT NULL,
	archived_at           INTEGER NOT NULL,
	eligible_for_deletion INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, season, item_id)
);
CREATE INDEX IF NOT EXISTS idx_archive_archived_at ON archive(archived_at);
CREATE INDEX IF NOT EXISTS idx_archive_season ON archive(season);

CREATE TABLE IF NOT EXISTS persistence_audit (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	season      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	retry_count INTEGER NOT NULL,
	item_count  INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_user_season ON persistence_audit(user_id, season);
`,
	},
}
