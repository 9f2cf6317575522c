// Package storage provides the key-value persistence layer used by the engine.
//
// Values are opaque bytes (JSON in practice). Drivers:
//   - memory: process-local map, nothing survives a restart
//   - file: snapshot + append-only journal, single process only
//   - sqlite: modernc.org/sqlite, one kv table
//   - postgres: pgx stdlib driver, same kv table
//
// DeleteIf is the claim primitive for state that must be consumed once
// (the scheduled broadcast slot); it is atomic on the SQL drivers.
package storage
