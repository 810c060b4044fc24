package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"

	"github.com/google/uuid"
)

// ActorSystem is the actor recorded for anything the session controller or
// the reaper does.
const ActorSystem = "system"

// OperatorActor is the actor recorded for API calls made by an operator.
func OperatorActor(subject string) string {
	return "operator:" + subject
}

// Resource is the audit resource of a task.
func Resource(taskID string) string {
	return "application_task:" + taskID
}

// ClientResource is the audit resource of a client profile.
func ClientResource(clientID string) string {
	return "client:" + clientID
}

type AuditEntry struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WriteAudit appends an audit row using qry, pass a transaction so the entry
// commits together with the change it describes.
func WriteAudit(ctx context.Context, qry *db.Queries, now time.Time, actor, action, resource string, detail map[string]string) error {
	if actor == "" {
		actor = ActorSystem
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	encoded := "{}"
	if len(detail) > 0 {
		buf, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		encoded = string(buf)
	}
	return qry.CreateAuditLog(ctx, db.AuditLog{
		ID:        id.String(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Detail:    encoded,
		CreatedAt: now.Unix(),
	})
}

func auditFromRow(row db.AuditLog) (AuditEntry, error) {
	entry := AuditEntry{
		ID:        row.ID,
		Actor:     row.Actor,
		Action:    row.Action,
		Resource:  row.Resource,
		CreatedAt: time.Unix(row.CreatedAt, 0).In(chrono.London()),
	}
	if strings.TrimSpace(row.Detail) != "" && row.Detail != "{}" {
		err := json.Unmarshal([]byte(row.Detail), &entry.Detail)
		if err != nil {
			return AuditEntry{}, fmt.Errorf("decode audit detail %s: %w", row.ID, err)
		}
	}
	return entry, nil
}

// Audit lists audit entries oldest first, an empty resource lists everything.
func (s Store) Audit(ctx context.Context, resource string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.qry.ListAuditLogs(ctx, db.ListAuditLogsParams{
		Resource: resource,
		Limit:    int64(limit),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "ListAuditLogs", resource)
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := auditFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
