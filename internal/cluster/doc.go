// Package cluster defines the wire protocol spoken between the driver, the
// broker and the workers, and the HTTP plumbing shared by all three.
//
// # Overview
//
// The broker drives a fixed pool of workers through the turns of a run. Each
// worker owns one contiguous band of rows and talks to at most two
// neighbours:
//
//	              ┌──────────────┐
//	   driver ───▶│    Broker    │
//	              │ - turn count │
//	              │ - barrier    │
//	              └──────┬───────┘
//	      ┌──────────────┼──────────────┐
//	      │ POST /turn   │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│ Worker 0  │◀▶│ Worker 1  │◀▶│ Worker 2  │
//	│ rows 0-33 │  │ rows 34-66│  │ rows 67-99│
//	└───────────┘  └───────────┘  └───────────┘
//	        POST /halo between neighbours
//
// # Communication Protocol
//
// Worker endpoints:
//
//	GET  /health     liveness and current run
//	POST /configure  ConfigureRequest, resets the worker for a run
//	POST /turn       TurnRequest → TurnResponse
//	POST /halo       HaloMessage from a neighbour
//	GET  /state      StateResponse at the last committed turn
//	GET  /progress   ProgressResponse
//	POST /stop       StopRequest, cancels the in-flight turn
//	POST /shutdown   stops the process
//	GET  /metrics    prometheus
//
// Every router built by NewRouter, broker included, also serves POST /log to
// change the log level.
//
// A turn request for turn T moves a partition from state T to state T+1. In
// HaloPeer mode a worker pushes the first and last rows of state T+1 to its
// neighbours before it answers, so by the time the broker has every answer
// for T all halo rows needed for T+1 are in the neighbours' mailboxes. In
// HaloRelay mode the answer carries those rows instead and the broker puts
// them into the next TurnRequest.
//
// # Payloads
//
// Grids travel as GridPayload: row-major cells compressed with zstd and
// base64-encoded by encoding/json. Single halo rows are small and travel
// uncompressed.
//
// # Failure Handling
//
// Failed requests answer with an ErrorResponse holding the RFC code of the
// error. Clients decode it into a RemoteError so errors keep their identity
// across processes. HTTP clients carry no fixed timeout; every call is bounded
// by its context.
package cluster
