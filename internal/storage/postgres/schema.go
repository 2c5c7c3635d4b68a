package postgres

import "github.com/montserZalloum/memora/internal/storage"

// The hot schedule table is LIST-partitioned by season. Rows for seasons
// without their own partition land in schedule_default until the partition
// job moves them. Timestamps are BIGINT unix milliseconds, matching SQLite.
var migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "initial",
		Up: `
CREATE TABLE IF NOT EXISTS seasons (
	name              TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'created',
	end_date          BIGINT,
	auto_archive      BOOLEAN NOT NULL DEFAULT FALSE,
	partition_created BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seasons_status ON seasons(status);

CREATE TABLE IF NOT EXISTS schedule (
	user_id        TEXT NOT NULL,
	season         TEXT NOT NULL,
	item_id        TEXT NOT NULL,
	stability      SMALLINT NOT NULL CHECK (stability BETWEEN 1 AND 4),
	next_review_at BIGINT NOT NULL,
	last_review_at BIGINT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	topic          TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL,
	revision       BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (user_id, season, item_id)
) PARTITION BY LIST (season);
CREATE TABLE IF NOT EXISTS schedule_default PARTITION OF schedule DEFAULT;
CREATE INDEX IF NOT EXISTS idx_schedule_user_due ON schedule(user_id, next_review_at);
CREATE INDEX IF NOT EXISTS idx_schedule_season ON schedule(season);

CREATE TABLE IF NOT EXISTS archive (
	user_id               TEXT NOT NULL,
	season                TEXT NOT NULL,
	item_id               TEXT NOT NULL,
	stability             SMALLINT NOT NULL,
	next_review_at        BIGINT NOT NULL,
	last_review_at        BIGINT NOT NULL,
	subject               TEXT NOT NULL DEFAULT '',
	topic                 TEXT NOT NULL DEFAULT '',
	created_at            BIGINT NOT NULL,
	updated_at            BIGINT NOT NULL,
	revision              BIGINT NOT NULL,
	archived_at           BIGINT NOT NULL,
	eligible_for_deletion BOOLEAN NOT NULL DEFAULT FALSE,
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
	created_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_user_season ON persistence_audit(user_id, season);
`,
	},
}
