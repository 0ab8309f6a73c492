package sqlite

const schemaTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    timestamp       TEXT PRIMARY KEY,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    last_run_id     TEXT NOT NULL DEFAULT '',
    last_attempt_at TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

const taskColumns = `timestamp, status, attempts, last_error, last_run_id, last_attempt_at, created_at, updated_at`

const queryGetTask = `
SELECT ` + taskColumns + `
FROM tasks
WHERE timestamp = ?
`

const queryInsertRunning = `
INSERT INTO tasks (timestamp, status, attempts, last_error, last_run_id, last_attempt_at, created_at, updated_at)
VALUES (?, 'running', 0, '', ?, ?, ?, ?)
`

const queryClaimTask = `
UPDATE tasks
SET status = 'running', last_run_id = ?, last_attempt_at = ?, updated_at = ?
WHERE timestamp = ?
`

const queryMarkSucceeded = `
UPDATE tasks
SET status = 'succeeded', updated_at = ?, last_error = ''
WHERE timestamp = ?
`

const queryMarkFailed = `
UPDATE tasks
SET status = 'failed', updated_at = ?, last_error = ?, attempts = attempts + 1
WHERE timestamp = ?
`

const queryEnsurePending = `
INSERT OR IGNORE INTO tasks (timestamp, status, attempts, last_error, last_run_id, created_at, updated_at)
VALUES (?, 'pending', 0, '', '', ?, ?)
`

const queryListPending = `
SELECT ` + taskColumns + `
FROM tasks
WHERE status = 'pending'
ORDER BY timestamp ASC
LIMIT ?
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
LIMIT ?
`

const queryRecentFailures = `
SELECT ` + taskColumns + `
FROM tasks
WHERE status = 'failed'
ORDER BY updated_at DESC, timestamp DESC
LIMIT ?
`

const queryReclaimStale = `
UPDATE tasks
SET status = 'failed', last_error = ?, attempts = attempts + 1, updated_at = ?
WHERE status = 'running' AND last_attempt_at < ?
`

const queryStats = `
SELECT
    COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' AND attempts >= ? THEN 1 ELSE 0 END), 0)
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
WHERE timestamp = ?
`
