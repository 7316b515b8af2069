package overrides

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Migrations holds the schema for this package, for database.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// Override is one stored value.
type Override struct {
	Module    string    `json:"module"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository defines the interface for override storage. It is also an
// extension.OverrideSource.
type Repository interface {
	Set(ctx context.Context, o Override) error
	Unset(ctx context.Context, module, key string) error
	List(ctx context.Context, module string) ([]Override, error)
	Overrides(module string) (map[string]any, error)
}

// SQLiteRepository keeps overrides in the module_overrides table.
type SQLiteRepository struct {
	db *sql.DB

	// Timeout bounds Overrides, which has no caller context.
	Timeout time.Duration
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, Timeout: 5 * time.Second}
}

func validKey(module, key string) error {
	if module == "" || key == "" {
		return fmt.Errorf("%w: module and key are required", ErrInvalidKey)
	}
	for _, part := range strings.Split(key, ".") {
		if part == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
	}
	return nil
}

// Set inserts or replaces an override. UpdatedAt defaults to now.
func (r *SQLiteRepository) Set(ctx context.Context, o Override) error {
	if err := validKey(o.Module, o.Key); err != nil {
		return err
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(o.Value)
	if err != nil {
		return fmt.Errorf("marshalling override %s.%s: %w", o.Module, o.Key, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO module_overrides (module, key, value, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (module, key) DO UPDATE SET
			value = excluded.value,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		o.Module, o.Key, string(value), o.UpdatedBy, o.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("setting override %s.%s: %w", o.Module, o.Key, err)
	}
	return nil
}

// Unset removes an override.
func (r *SQLiteRepository) Unset(ctx context.Context, module, key string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM module_overrides WHERE module = ? AND key = ?", module, key)
	if err != nil {
		return fmt.Errorf("unsetting override %s.%s: %w", module, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s.%s", ErrNotFound, module, key)
	}
	return nil
}

// List returns overrides ordered by module and key. An empty module lists
// every module.
func (r *SQLiteRepository) List(ctx context.Context, module string) ([]Override, error) {
	query := "SELECT module, key, value, updated_by, updated_at FROM module_overrides"
	var args []any
	if module != "" {
		query += " WHERE module = ?"
		args = append(args, module)
	}
	query += " ORDER BY module, key"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var (
			o         Override
			value     string
			updatedAt string
		)
		if err := rows.Scan(&o.Module, &o.Key, &value, &o.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning override: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &o.Value); err != nil {
			return nil, fmt.Errorf("decoding override %s.%s: %w", o.Module, o.Key, err)
		}
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // Format is controlled
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overrides: %w", err)
	}
	return out, nil
}

// Overrides implements extension.OverrideSource. Dotted keys become
// nested maps.
func (r *SQLiteRepository) Overrides(module string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	list, err := r.List(ctx, module)
	if err != nil {
		return nil, err
	}
	return Nest(list), nil
}

// Nest folds dotted keys into nested maps. Keys are applied shortest
// first, so "a.b" refines a map set at "a" and a scalar at "a" is replaced
// by a later "a.b".
func Nest(list []Override) map[string]any {
	sorted := append([]Override(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.Count(sorted[i].Key, ".") < strings.Count(sorted[j].Key, ".")
	})

	out := map[string]any{}
	for _, o := range sorted {
		parts := strings.Split(o.Key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = o.Value
	}
	return out
}
