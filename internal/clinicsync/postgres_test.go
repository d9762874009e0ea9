package clinicsync

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	_, err := NewPostgresStore("   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPostgresStoreRejectsBadInput(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/clinicsync")
	require.NoError(t, err)

	_, err = store.Select(context.Background(), "patients", "clinic-1")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.Select(context.Background(), string(KindGiftLog), "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = store.Update(context.Background(), "patients", "r-1", map[string]any{"tenant_id": "clinic-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = store.Update(context.Background(), string(KindGiftLog), "", map[string]any{"tenant_id": "clinic-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = store.Update(context.Background(), string(KindGiftLog), "r-1", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"gift_logs"`, postgresQuoteIdentifier("gift_logs"))
	assert.Equal(t, `"odd""name"`, postgresQuoteIdentifier(`odd"name`))
}

// Round-trip against a live database. Set CLINICSYNC_TEST_PG_DSN to run.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("CLINICSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CLINICSYNC_TEST_PG_DSN not set")
	}

	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.ensureReady())

	ctx := context.Background()
	table := string(KindGiftInventory)
	id := fmt.Sprintf("it-%d", time.Now().UnixNano())
	_, err = store.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, tenant_id, name, fields) VALUES ($1, NULL, $2, $3)", postgresQuoteIdentifier(table)),
		id, "balloon", `{"count":"3"}`)
	require.NoError(t, err)
	defer func() {
		_, _ = store.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(table)), id)
	}()

	// Null-tenant rows surface for the active tenant.
	records, err := store.Select(ctx, table, "clinic-test")
	require.NoError(t, err)
	var found *Record
	for i := range records {
		if records[i].ID == id {
			found = &records[i]
		}
	}
	require.NotNil(t, found)
	assert.Empty(t, found.TenantID)
	assert.Equal(t, "balloon", found.Name)
	assert.Equal(t, "3", found.Fields["count"])

	// A repair write pins the row to the tenant.
	require.NoError(t, store.Update(ctx, table, id, map[string]any{"tenant_id": "clinic-test"}))
	records, err = store.Select(ctx, table, "clinic-test")
	require.NoError(t, err)
	for _, record := range records {
		if record.ID == id {
			assert.Equal(t, "clinic-test", record.TenantID)
		}
	}

	// Foreign tenants no longer see it.
	records, err = store.Select(ctx, table, "clinic-other")
	require.NoError(t, err)
	for _, record := range records {
		assert.NotEqual(t, id, record.ID)
	}

	// Updating a missing record is an error.
	err = store.Update(ctx, table, "does-not-exist", map[string]any{"tenant_id": "clinic-test"})
	assert.Error(t, err)
}
