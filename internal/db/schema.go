package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- QUEUE BATCH TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS queue_batch SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS total_items ON queue_batch TYPE int ASSERT $value > 0;
    DEFINE FIELD IF NOT EXISTS completed_count ON queue_batch TYPE int DEFAULT 0 ASSERT $value >= 0;
    DEFINE FIELD IF NOT EXISTS failed_count ON queue_batch TYPE int DEFAULT 0 ASSERT $value >= 0;
    DEFINE FIELD IF NOT EXISTS status ON queue_batch TYPE string
        ASSERT $value INSIDE ["pending", "running", "completed", "failed", "cancelled"];
    DEFINE FIELD IF NOT EXISTS created_by ON queue_batch TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON queue_batch TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS started_at ON queue_batch TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON queue_batch TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS metadata ON queue_batch TYPE option<object> FLEXIBLE;

    DEFINE INDEX IF NOT EXISTS queue_batch_status ON queue_batch FIELDS status;

    -- ==========================================================================
    -- QUEUE ITEM TABLE
    -- ==========================================================================
    -- batch_id holds the bare batch key; standalone items leave it NONE
    DEFINE TABLE IF NOT EXISTS queue_item SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS batch_id ON queue_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS source_reference ON queue_item TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON queue_item TYPE string
        ASSERT $value INSIDE ["pending", "running", "completed", "failed", "cancelled"];
    DEFINE FIELD IF NOT EXISTS priority ON queue_item TYPE int DEFAULT 50
        ASSERT $value >= 0 AND $value <= 100;
    DEFINE FIELD IF NOT EXISTS retry_count ON queue_item TYPE int DEFAULT 0 ASSERT $value >= 0;
    DEFINE FIELD IF NOT EXISTS max_retries ON queue_item TYPE int DEFAULT 3 ASSERT $value >= 0;
    DEFINE FIELD IF NOT EXISTS error_classification ON queue_item TYPE option<string>
        ASSERT $value = NONE OR $value INSIDE ["network", "rate_limit", "parse_error", "timeout", "other"];
    DEFINE FIELD IF NOT EXISTS error_detail ON queue_item TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS requires_human_review ON queue_item TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_at ON queue_item TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS started_at ON queue_item TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON queue_item TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS last_retry_at ON queue_item TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS next_retry_at ON queue_item TYPE option<datetime>;

    -- Claim scan: eligible items by status, then dispatch order
    DEFINE INDEX IF NOT EXISTS queue_item_claim ON queue_item FIELDS status, priority, created_at;
    DEFINE INDEX IF NOT EXISTS queue_item_retry ON queue_item FIELDS status, next_retry_at;
    DEFINE INDEX IF NOT EXISTS queue_item_batch ON queue_item FIELDS batch_id;
    DEFINE INDEX IF NOT EXISTS queue_item_review ON queue_item FIELDS requires_human_review, created_at;
`
