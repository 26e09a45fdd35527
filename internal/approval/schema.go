package approval

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS approvals (
			request_id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			requester TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected')),
			decided_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			intended_tools TEXT NOT NULL DEFAULT '[]',
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			completion_status TEXT NOT NULL DEFAULT '',
			completion_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`

	indexStatus = `
		CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at DESC)`
)

func schemaStatements() []string {
	return []string{
		tableSchema,
		indexStatus,
	}
}
