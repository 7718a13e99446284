/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

// Timestamps are stored as int64 unix nanoseconds; zero means unset.
// The indexes are advisory: they speed up the replay and cleanup scans but
// nothing depends on them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		params JSONB,
		metadata JSONB,
		queue_timeout_ms BIGINT NOT NULL DEFAULT 0,
		execution_timeout_ms BIGINT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		queued_at BIGINT NOT NULL DEFAULT 0,
		started_at BIGINT NOT NULL DEFAULT 0,
		completed_at BIGINT NOT NULL DEFAULT 0,
		result JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS command_history (
		id BIGSERIAL PRIMARY KEY,
		command_id TEXT NOT NULL REFERENCES commands (id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS command_metrics (
		id BIGSERIAL PRIMARY KEY,
		metric TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		command_type TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		timestamp BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_status ON commands (status)`,
	`CREATE INDEX IF NOT EXISTS idx_history_command ON command_history (command_id)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON command_metrics (timestamp)`,
}

const (
	upsertCommand = `INSERT INTO commands (
		id, type, priority, status, params, metadata,
		queue_timeout_ms, execution_timeout_ms, max_retries, retry_count,
		created_at, queued_at, started_at, completed_at, result)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		retry_count = EXCLUDED.retry_count,
		queued_at = EXCLUDED.queued_at,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		result = EXCLUDED.result`

	updateCommandStatus = `UPDATE commands SET
		status = $2,
		result = COALESCE($3, result),
		completed_at = CASE WHEN $5 THEN $4 ELSE completed_at END
	WHERE id = $1`

	insertHistory = `INSERT INTO command_history (command_id, status, timestamp, detail)
	VALUES ($1, $2, $3, $4)`

	selectPending = `SELECT id, type, priority, status, params, metadata,
		queue_timeout_ms, execution_timeout_ms, max_retries, retry_count,
		created_at, queued_at, started_at, completed_at, result
	FROM commands
	WHERE status IN ('pending', 'queued', 'retrying')
	ORDER BY CASE priority
		WHEN 'emergency' THEN 0
		WHEN 'high' THEN 1
		WHEN 'normal' THEN 2
		ELSE 3 END, created_at`

	failInflight = `UPDATE commands SET
		status = 'failed',
		result = $1,
		completed_at = $2
	WHERE status = 'executing'`

	selectCommand = `SELECT id, type, priority, status, params, metadata,
		queue_timeout_ms, execution_timeout_ms, max_retries, retry_count,
		created_at, queued_at, started_at, completed_at, result
	FROM commands WHERE id = $1`

	selectHistory = `SELECT command_id, status, timestamp, detail
	FROM command_history WHERE command_id = $1 ORDER BY id`

	insertMetric = `INSERT INTO command_metrics (metric, value, command_type, priority, timestamp)
	VALUES ($1, $2, $3, $4, $5)`

	deleteOldHistory = `DELETE FROM command_history WHERE timestamp < $1
		AND command_id IN (SELECT id FROM commands WHERE completed_at > 0 AND completed_at < $1)`
	deleteOldMetrics  = `DELETE FROM command_metrics WHERE timestamp < $1`
	deleteOldCommands = `DELETE FROM commands WHERE completed_at > 0 AND completed_at < $1`
)
