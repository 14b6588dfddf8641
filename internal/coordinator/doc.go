// Package coordinator implements the broker: the control plane that splits a
// grid across workers, drives them in lockstep and assembles the result.
//
// # Overview
//
// The broker holds the only turn counter of a run. Workers never advance on
// their own; each turn is issued by the broker and acknowledged by every
// worker before the next one is issued.
//
//	         ┌──────────────────────────────┐
//	driver ─▶│            BROKER            │
//	         │  ┌────────────────────────┐  │
//	         │  │ Partition registry     │  │
//	         │  │  - range → worker      │  │
//	         │  │  - neighbour graph     │  │
//	         │  └────────────────────────┘  │
//	         │  ┌────────────────────────┐  │
//	         │  │ Run                    │  │
//	         │  │  - turn barrier        │  │
//	         │  │  - pause, quit, abort  │  │
//	         │  │  - turn latency stats  │  │
//	         │  └────────────────────────┘  │
//	         │  ┌────────────────────────┐  │
//	         │  │ Health monitor         │  │
//	         │  └────────────────────────┘  │
//	         └──────┬───────────┬───────────┘
//	                │ /turn     │ /turn
//	          ┌─────▼───┐  ┌────▼────┐
//	          │ worker 0│◀▶│ worker 1│  halo rows
//	          └─────────┘  └─────────┘
//
// # Run lifecycle
//
//  1. StartRun validates the configuration, probes every selected worker,
//     partitions the rows and configures the workers in parallel, handing
//     each one its rows, its neighbours and its initial halo.
//  2. AdvanceTurn fans turn T out to every worker and waits for all
//     acknowledgements. The turn counter moves to T+1 only after the last
//     one arrived.
//  3. CollectResult fetches every partition at the final turn and stitches
//     them together in partition order.
//
// # Failure handling
//
// A turn is bounded by the run's turn timeout. The first worker that times
// out, fails its halo exchange or rejects the turn aborts the run: the turn
// in flight is cancelled, every worker is told to stop and later calls
// return the recorded cause. Workers keep their previous committed turn, so
// a snapshot of the last complete turn can still be taken after an abort.
//
// With a health interval configured, a worker that fails consecutive health
// probes aborts the run without waiting for the turn timeout.
//
// # HTTP API
//
//	POST /runs                     start a run and block until it ends
//	GET  /runs/current             status of the current run
//	GET  /runs/current/snapshot    world at the last committed turn
//	GET  /runs/current/workers     partitions, owners and probe health
//	GET  /runs/current/rows/:row   worker owning a global row
//	POST /runs/current/pause       hold the run between turns
//	POST /runs/current/resume      release a paused run
//	POST /runs/current/quit        finish after the turn in flight
//	POST /runs/current/abort       cancel the run and stop the workers
//	POST /shutdown                 shut down the workers, then the broker
//	POST /log                      change the log level
//	GET  /health, GET /metrics
package coordinator
