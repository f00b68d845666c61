package db

import "fmt"

// RecordAudit appends one audit row. A nil actor records an action taken by
// an anonymous session.
func (s *Store) RecordAudit(actor *int64, action, target, metadata string) error {
	if _, err := s.db.Exec(
		`INSERT INTO audit_logs(actor_user_id, action, target, metadata) VALUES (?, ?, ?, ?)`,
		actor, action, target, metadata,
	); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first, with the actor's username
// joined in when the account still exists.
func (s *Store) ListAudit(limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT a.id, a.actor_user_id, a.action, a.target, a.metadata, a.created_at, u.username
		FROM audit_logs a
		LEFT JOIN users u ON u.id = a.actor_user_id
		ORDER BY a.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.ActorUserID, &l.Action, &l.Target, &l.Metadata, &l.CreatedAt, &l.Username); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
