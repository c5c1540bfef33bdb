package main

// migrationsDir is the default location of the goose migration set
// (spec §9 "JSON blob columns ... add versioning discipline: schema
// version column per table; migration steps on open" — realized here
// as an ordered migration directory plus goose's own version table,
// applied relative to the daemon's working directory, overridable with
// --migrations-dir).
const migrationsDir = "migrations"
