package clinicsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the SQL implementation of RemoteStore. The tenant filter
// includes rows with a null tenant so legacy records surface for repair;
// rows carrying a different tenant can never be returned.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, kind := range Kinds() {
			query := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					tenant_id TEXT,
					name TEXT NOT NULL DEFAULT '',
					occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					fields TEXT NOT NULL DEFAULT '{}'
				)`, postgresQuoteIdentifier(string(kind)))
			if _, err := db.ExecContext(ctx, query); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresStore) Select(ctx context.Context, table string, tenantID string) ([]Record, error) {
	if !validKind(Kind(table)) {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidInput, table)
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, name, occurred_at, fields
		FROM %s
		WHERE tenant_id = $1 OR tenant_id IS NULL`, postgresQuoteIdentifier(table))
	rows, err := p.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			record     Record
			tenant     sql.NullString
			name       sql.NullString
			occurredAt time.Time
			fieldsRaw  string
		)
		if err := rows.Scan(&record.ID, &tenant, &name, &occurredAt, &fieldsRaw); err != nil {
			return nil, err
		}
		record.TenantID = tenant.String
		record.Name = name.String
		record.OccurredAt = occurredAt
		if fieldsRaw != "" && fieldsRaw != "{}" {
			fields := map[string]string{}
			if err := json.Unmarshal([]byte(fieldsRaw), &fields); err == nil {
				record.Fields = fields
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresStore) Update(ctx context.Context, table, id string, fields map[string]any) error {
	if !validKind(Kind(table)) {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidInput, table)
	}
	if strings.TrimSpace(id) == "" || len(fields) == 0 {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}

	columns := make([]string, 0, len(fields))
	for column := range fields {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	assignments := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", postgresQuoteIdentifier(column), i+1))
		args = append(args, fields[column])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		postgresQuoteIdentifier(table), strings.Join(assignments, ", "), len(columns)+1)
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("record %s not found in %s", id, table)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
