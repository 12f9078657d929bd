package postgres

// Schema is applied at startup and by integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS token_budgets (
	scope_id        TEXT PRIMARY KEY,
	total_allocated BIGINT NOT NULL CHECK (total_allocated >= 0),
	total_used      BIGINT NOT NULL CHECK (total_used >= 0),
	period          TEXT NOT NULL CHECK (period IN ('daily', 'weekly', 'monthly')),
	period_start    TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT token_budgets_used_within_allocation CHECK (total_used <= total_allocated)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id             UUID PRIMARY KEY,
	action_type    TEXT NOT NULL,
	resource_ref   TEXT NOT NULL DEFAULT '',
	scope_id       TEXT NOT NULL,
	estimated_cost BIGINT NOT NULL CHECK (estimated_cost >= 0),
	status         TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'expired')),
	reason         TEXT NOT NULL DEFAULT '',
	requested_by   TEXT NOT NULL,
	requested_at   TIMESTAMPTZ NOT NULL,
	resolved_by    TEXT NOT NULL DEFAULT '',
	resolved_at    TIMESTAMPTZ,
	expires_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS checkpoints_pending_expiry_idx
	ON checkpoints (expires_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS checkpoints_requested_by_idx
	ON checkpoints (requested_by, requested_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	id        UUID PRIMARY KEY,
	seq       BIGINT NOT NULL UNIQUE,
	actor_id  TEXT NOT NULL,
	action    TEXT NOT NULL,
	details   JSONB NOT NULL DEFAULT '{}'::jsonb,
	timestamp TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_entries_actor_idx ON audit_entries (actor_id, seq);
`
