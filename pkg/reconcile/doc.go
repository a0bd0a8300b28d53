// Package reconcile detects and repairs drift between a content-addressable
// blob store and the metadata store whose asset records reference its blobs,
// and applies retention policies to component versions.
//
// A Planner merge-joins the ordered blob listing with the ordered asset
// listing of one repository and persists an immutable Plan of repair Actions.
// An Executor applies a plan under a lease, rechecking each action's
// precondition against the live stores before mutating them. Outcomes are
// persisted per action, so an interrupted execution resumes where it stopped.
//
// Cleanup candidates produced by the cleanup subpackage are deleted through
// the same guarded path with Executor.ApplyCleanup.
//
// Store adapters live under storage (blobs) and repo (metadata, plans,
// policies); lease managers under lease.
package reconcile
