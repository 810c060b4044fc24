package db

import (
	"context"
)

const createAuditLog = `INSERT INTO audit_logs (id, actor, action, resource, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (q *Queries) CreateAuditLog(ctx context.Context, arg AuditLog) error {
	_, err := q.db.ExecContext(ctx, createAuditLog,
		arg.ID,
		arg.Actor,
		arg.Action,
		arg.Resource,
		arg.Detail,
		arg.CreatedAt,
	)
	return err
}

const listAuditLogs = `SELECT id, actor, action, resource, detail, created_at FROM audit_logs
WHERE ($1 = '' OR resource = $1)
ORDER BY created_at, id LIMIT $2`

type ListAuditLogsParams struct {
	Resource string
	Limit    int64
}

func (q *Queries) ListAuditLogs(ctx context.Context, arg ListAuditLogsParams) ([]AuditLog, error) {
	rows, err := q.db.QueryContext(ctx, listAuditLogs, arg.Resource, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AuditLog
	for rows.Next() {
		var i AuditLog
		if err := rows.Scan(&i.ID, &i.Actor, &i.Action, &i.Resource, &i.Detail, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
