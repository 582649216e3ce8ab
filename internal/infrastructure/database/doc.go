// Package database provides the SQLite store used by the can2mqtt recorder.
//
// The store is optional. When the recorder is enabled it keeps two tables:
// one row per CAN identifier ever seen on the bus, and an append-only history
// of device state changes. Both are created by the embedded migrations in
// the top-level migrations package.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each file is applied in its own transaction
// and recorded in schema_migrations.
package database
