package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OptionStore persists registry records. Save is an upsert keyed by ID.
// ListTerminalBefore returns terminal records last saved before the cutoff
// that have not been archived yet.
type OptionStore interface {
	Save(ctx context.Context, o Option) error
	Delete(ctx context.Context, id uint64) error
	GetByID(ctx context.Context, id uint64) (Option, error)
	LoadAll(ctx context.Context) ([]Option, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Option, error)
	MarkArchived(ctx context.Context, ids []uint64, path string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
