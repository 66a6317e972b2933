// Package settings stores recipients and their notification preferences.
//
// Backends (memory, redis, sqlite) implement the small Backend contract and
// share one Store helper, which owns the read-modify-write operations
// (GetOrCreate, Toggle) and serializes them per recipient.
//
// Records are persisted as JSON:
//
//	{"username":"alice","settings":{"normal":true,"highroom":true,"manual":true}}
//
// Records written before preferences existed have no "settings" object; they
// read as all-enabled and are backfilled by GetOrCreate.
package settings
