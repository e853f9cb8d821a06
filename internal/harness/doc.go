// Package harness runs scenario files against a real runtime and checks the
// outcome.
//
// A scenario names a directory of CUE modules, the instances to create, a
// list of steps and assertions on the result. Runs are isolated and
// deterministic, so a result can be compared against a golden snapshot.
//
// # Scenario Format
//
//	name: cart_totals
//	description: "What this scenario validates"
//	modules: ../modules/shop        # relative to the scenario file
//	config:                         # optional, merged over config.Default
//	  scheduler:
//	    max_steps: 4
//	instances:
//	  - key: Cart#main
//	    state: { items: [] }        # optional initial state
//	links:                          # optional, added to the CUE links
//	  - { source: Cart#main, source_path: total, target: Summary#main, target_path: cartTotal }
//	steps:
//	  - write: { key: Cart#main, op: append, path: items, value: { id: a, price: 10 } }
//	  - select: { key: Cart#main, topic: items, priority: low }
//	  - flush: true
//	  - batch:
//	      - write: { key: Cart#main, op: remove, path: items, index: 0 }
//	assertions:
//	  - { type: state_equals, key: Cart#main, path: total, value: 0 }
//
// # Steps
//
//   - write: set, append or remove at a path. The commit is queued.
//   - select: mark a selector topic changed. Queued.
//   - flush: tick until the commit queue is empty.
//   - batch: run writes and selects inside one batch, then flush.
//
// The harness flushes once more after the last step.
//
// # Assertion Types
//
//   - state_equals: committed value at a path (missing paths read as null)
//   - tick_count: ticks that ran after setup
//   - degrade_reason: degrade reason of one tick, or of any tick
//   - row_ids_stable: row ids of a root list never move between items
//   - diagnostic: diagnostics emitted with a code, optionally counted
//
// # Deterministic Testing
//
// Every run uses a clock that never advances, transaction ids "txn-N" and
// row ids "row-N" per instance. Time budgets therefore never trip, and
// identical scenarios produce identical snapshots.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/cart_totals.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
