// Package harness runs scripted client sessions against a real
// coordinator, engine and simulated sync service in a scratch directory.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: interrupted-sync
//	description: "What this scenario validates"
//	scope: P
//	seed: 42
//	mode: manual
//	faults:
//	  backup_fails: false
//	steps:
//	  - action: connect
//	    expect: { strategy: cold }
//	  - action: insert
//	    expect: { inserted: 500 }
//	  - action: reset
//	    expect: { outcome: live, count: 500, backup_exists: false }
//
// Actions:
//   - connect: log in and open the scope; observes strategy and count
//   - insert: insert the sample batch into an empty scope, or update every record
//   - restart: close the client and start a new one on the same files
//   - reset: diverge the scope on the server and wait for the recovery outcome
//   - revoke: revoke the access token and wait for the recovery outcome
//   - expect: observe state, count, backup_exists and registered
//
// # Traces
//
// Each run produces a trace of steps, user-visible events and
// observations. Events whose interleaving depends on scheduling
// (transfer progress, observer deliveries) are left out, and warning or
// error events keep only their summary, so the trace is stable across
// runs and can be compared with goldie golden files under
// testdata/golden.
//
// Built-in scenarios under scenarios/ are embedded in the binary and
// back the demo command.
package harness
