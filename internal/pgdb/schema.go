package pgdb

// SchemaSQL creates the queue tables. Every statement is idempotent.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS queue_batch (
    id              text PRIMARY KEY,
    total_items     integer NOT NULL CHECK (total_items > 0),
    completed_count integer NOT NULL DEFAULT 0 CHECK (completed_count >= 0),
    failed_count    integer NOT NULL DEFAULT 0 CHECK (failed_count >= 0),
    status          text NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
    created_by      text NOT NULL DEFAULT '',
    created_at      timestamptz NOT NULL DEFAULT now(),
    started_at      timestamptz,
    completed_at    timestamptz,
    metadata        jsonb,
    CHECK (completed_count + failed_count <= total_items)
);

CREATE TABLE IF NOT EXISTS queue_item (
    id                    text PRIMARY KEY,
    batch_id              text REFERENCES queue_batch (id),
    source_reference      text NOT NULL,
    status                text NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
    priority              integer NOT NULL DEFAULT 50 CHECK (priority BETWEEN 0 AND 100),
    retry_count           integer NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    max_retries           integer NOT NULL DEFAULT 3 CHECK (max_retries >= 0),
    error_classification  text CHECK (error_classification IN ('network', 'rate_limit', 'parse_error', 'timeout', 'other')),
    error_detail          jsonb,
    requires_human_review boolean NOT NULL DEFAULT false,
    created_at            timestamptz NOT NULL DEFAULT now(),
    started_at            timestamptz,
    completed_at          timestamptz,
    last_retry_at         timestamptz,
    next_retry_at         timestamptz,
    CHECK (retry_count <= max_retries),
    CHECK (NOT requires_human_review OR (status = 'failed' AND retry_count = max_retries)),
    CHECK (next_retry_at IS NULL OR (status = 'failed' AND retry_count < max_retries))
);

-- claim scan in dispatch order over the claimable statuses only
CREATE INDEX IF NOT EXISTS queue_item_claim
    ON queue_item (priority DESC, created_at ASC, id ASC)
    WHERE status IN ('pending', 'failed');
CREATE INDEX IF NOT EXISTS queue_item_running ON queue_item (started_at) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS queue_item_batch ON queue_item (batch_id);
CREATE INDEX IF NOT EXISTS queue_item_review ON queue_item (created_at) WHERE requires_human_review;
`
