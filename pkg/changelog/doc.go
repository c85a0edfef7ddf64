// Package changelog discovers and parses migration changelogs.
//
// A changelog file declares one or more named changelogs, each scoped to a glob
// pattern, plus optional template properties:
//
//	changelogs:
//	  - name: schema
//	    directory: migrations/*
//	    author: data-team
//	properties:
//	  schema: public
//
// Every pattern is expanded into a Directory tree. Regular files become Migrations,
// subdirectories become child Directories read with <dir>/*. Migration file names
// carry a signed integer order prefix (1.init.sql, 20240101.seed.sql) and migrations
// of one level are applied in ascending order.
//
// A migration file is split into queries on a separator (`-->` by default). A query
// block may start with an options header:
//
//	--rmig--{"run_always": true, "global": true}
//	REFRESH MATERIALIZED VIEW totals;
//
// Options marked global apply to every following query of the same file.
//
// The hash of a migration is the md5 digest of its template-resolved text, so
// changing a property that a file references is detected as drift.
package changelog
