// Package harness runs scripted cart sessions against the in-memory
// backend and checks their outcome.
//
// # Scenario Format
//
// Scenarios are YAML files validated against an embedded CUE schema:
//
//	name: retry_then_success
//	description: "One failed add is retried and then confirmed"
//	backend:
//	  script:
//	    addToCart: [error, ok]
//	steps:
//	  - add: {merchandise_id: "1", quantity: 1, price: "10.00"}
//	expect:
//	  lines: [{merchandise_id: "1", quantity: 1}]
//	  delays: [200ms]
//	  toasts: ["Item added to cart"]
//
// A step holds exactly one of add, update, remove, step, concurrent,
// retry_last or clear_errors. Each step settles completely before the next
// one starts. The mutations of a concurrent step are all submitted before
// any of their server calls is allowed to run.
//
// # Deterministic Runs
//
// Operation and toast IDs come from sequence generators, timestamps from
// testutil.ManualClock, and retry backoff is recorded by
// testutil.RecordingSleeper instead of waited for; each backoff appears in
// the trace between the two calls it separates. Toast expiry never
// fires during a run. Identical scenarios therefore produce identical
// traces, which RunWithGolden compares against testdata/golden.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/retry_then_success.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
