// Package database opens the instance's SQLite store and owns its
// lifecycle: WAL journaling, a single pooled writer connection, forward-only
// embedded migrations, and the WithTx boundary that lets a state write and
// its outbox record commit together.
//
// Every table is created STRICT and foreign keys are always enforced, so
// command routes cannot outlive their sessions. The schema itself lives in
// the top-level migrations package, which registers its embed.FS here.
package database
