package postgres

const schemaTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    timestamp       TEXT PRIMARY KEY,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    last_run_id     UUID,
    last_attempt_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

const taskColumns = `timestamp, status, attempts, last_error, last_run_id, last_attempt_at, created_at, updated_at`

const queryGetTask = `
SELECT ` + taskColumns + `
FROM tasks
WHERE timestamp = $1
`

const queryClaimExisting = `
UPDATE tasks
SET status = 'running', last_run_id = $1, last_attempt_at = $2, updated_at = $2
WHERE timestamp = $3
  AND status IN ('pending', 'failed')
`

const queryInsertRunning = `
INSERT INTO tasks (timestamp, status, attempts, last_error, last_run_id, last_attempt_at, created_at, updated_at)
VALUES ($1, 'running', 0, '', $2, $3, $3, $3)
ON CONFLICT (timestamp) DO NOTHING
`

const queryMarkSucceeded = `
UPDATE tasks
SET status = 'succeeded', last_error = '', updated_at = $1
WHERE timestamp = $2
`

const queryMarkFailed = `
UPDATE tasks
SET status = 'failed', last_error = $1, attempts = attempts + 1, updated_at = $2
WHERE timestamp = $3
`

const queryEnsurePending = `
INSERT INTO tasks (timestamp, status, attempts, last_error, created_at, updated_at)
VALUES ($1, 'pending', 0, '', $2, $2)
ON CONFLICT (timestamp) DO NOTHING
`

const queryListPending = `
SELECT ` + taskColumns + `
FROM tasks
WHERE status = 'pending'
ORDER BY timestamp ASC
LIMIT $1
`

const queryListIncomplete = `
SELECT ` + taskColumns + `
FROM tasks
WHERE status IN ('running', 'failed')
ORDER BY timestamp ASC
`

const queryListRecent = `
SELECT ` + taskColumns + `
FROM tasks
ORDER BY updated_at DESC, timestamp DESC
LIMIT $1
`

const queryRecentFailures = `
SELECT ` + taskColumns + `
FROM tasks
WHERE status = 'failed'
ORDER BY updated_at DESC, timestamp DESC
LIMIT $1
`

const queryReclaimStale = `
UPDATE tasks
SET status = 'failed', last_error = $1, attempts = attempts + 1, updated_at = $2
WHERE status = 'running' AND last_attempt_at < $3
`

const queryStats = `
SELECT
    COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' AND attempts >= $1 THEN 1 ELSE 0 END), 0)
FROM tasks
`

const queryLastSuccess = `
SELECT timestamp
FROM tasks
WHERE status = 'succeeded'
ORDER BY timestamp DESC
LIMIT 1
`

const queryDeleteTask = `
DELETE FROM tasks
WHERE timestamp = $1
`
