// Package stores provides persistence layer implementations for ParcelSat.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// CRUD operations for runs, feature outcomes, polling cursors, and dead
// letters.
package stores
