package clinicsync

import "context"

// RemoteStore is the opaque remote relational backend. Select carries the
// tenant id on every call so scoping is built into the query layer; no
// result reaches the pipeline without it. Update is fire-and-forget from
// this layer's perspective and is only used for tenant-identity repair.
type RemoteStore interface {
	Select(ctx context.Context, table string, tenantID string) ([]Record, error)
	Update(ctx context.Context, table, id string, fields map[string]any) error
}
