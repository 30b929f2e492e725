// Package harness runs a job against ephemeral resources.
//
// A run proceeds strictly in order:
//
//  1. resolve credentials
//  2. acquire a storage scope and a database instance
//  3. upload the job specification (spec.json) and connection metadata (neo4j.json)
//  4. launch the job with parameters pointing at both artifacts
//  5. poll until every condition passes, the job fails or the timeout elapses
//
// Teardown cancels the job if it is still active and releases the resources.
// It runs exactly once per Harness, whether triggered by Run returning or by
// Close from a signal handler. Close seals the run state first, so anything
// Run acquires afterwards is cleaned up by Run itself, and Run stops before
// its next upload or launch.
//
// # Exit Paths
//
// Every failure is a *runerr.Error naming the failing step. Teardown problems
// never replace that error; they are attached as warnings and copied into the
// Report.
package harness
