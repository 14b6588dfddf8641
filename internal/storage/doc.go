// Package storage keeps the committed versions of a worker's partition.
//
// Every successful turn commits a new version keyed by its turn number. A turn
// that is cancelled or fails never writes, so the newest version is always the
// last turn the worker acknowledged:
//
//	turn:   0      1      2      3 (in flight)
//	      ┌────┐ ┌────┐ ┌────┐
//	      │rows│ │rows│ │rows│   ← Latest()
//	      └────┘ └────┘ └────┘
//	        ▲
//	     Prune(2) drops
//
// Workers retain the previous version so that a retried turn request can be
// answered from the cache without recomputing.
//
// MemoryStore copies rows on both Put and Get; callers may mutate what they
// pass in or get back.
package storage
