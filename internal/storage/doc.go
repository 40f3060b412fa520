// Package storage is the persistence layer of the daemon, backed by SQLite.
//
// One database holds the livestream pool and its video records, the user
// directory, pending timeout callbacks and notifier dedup keys. Every
// livestream state change is a single conditional UPDATE inside a
// transaction, so two writers racing on the same row cannot both win.
//
// The "memory" driver runs the same schema in an in-memory database and is
// meant for tests and local runs.
package storage
