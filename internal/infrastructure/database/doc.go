// Package database provides SQLite connectivity for Gray Logic Tracker.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations embedded from the top-level migrations package
//   - Connection pooling and lifecycle management
//   - STRICT mode tables and foreign key enforcement
//
// The tracker keeps devices, groups, positions, users and grants here. The
// device registry and permission manager cache this data in memory and only
// come back to SQLite on writes and refreshes.
//
// Usage:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or have
// DEFAULT values, and each .up.sql has a matching .down.sql.
package database
