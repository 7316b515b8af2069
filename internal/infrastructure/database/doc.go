// Package database provides SQLite connectivity for the lab agent's local
// state (deployment overrides).
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Forward/backward schema migrations read from any fs.FS
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, overrides.Migrations, "migrations"); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each package that owns tables embeds its
// own migrations, so two stores can share one database file.
package database
