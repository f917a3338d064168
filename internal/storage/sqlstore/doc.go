// Package sqlstore persists task records in MySQL or SQLite.
// It embeds the schema migrations, maps records to rows and implements the
// per-id transactional attempt scope required by the execution engine.
package sqlstore
