// Package fluentdb is a thin convenience layer over database/sql that stays
// close to the SQL you already write. It rewrites :named markers into
// positional driver arguments (expanding IN (:ids) automatically and skipping
// markers inside literals and comments), wraps prepared statements and
// forward-only cursors with strict lifecycle rules, runs multi-statement
// scripts with comment stripping and per-statement error policies, and
// serializes everything over one shared connection, without an ORM or a
// query-builder DSL.
package fluentdb
