// Package runner applies changelogs to datastores.
//
// A Runner loads a changelog file once, then migrates each configured driver in
// turn: it makes sure the CHANGELOGS bookkeeping table exists, takes the driver's
// lock, walks every changelog tree depth-first and applies each migration not yet
// recorded. Per migration:
//
//   - recorded with the same hash: skipped
//   - recorded with a different hash: the run stops with driver.ErrHashMismatch
//   - not recorded: its queries run in one transaction, then it is recorded
//   - the lookup failed with a driver error (ErrSQL, ...): the run stops
//   - the lookup failed with an error outside the driver kinds: logged and left alone
//
// The lock is always released, even when a migration fails. The returned Report
// lists every migration the run looked at and what happened to it.
package runner
