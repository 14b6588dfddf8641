// Package partition splits the grid into the row ranges owned by workers and
// derives the neighbour graph those workers exchange halo rows over.
//
// # Partitioning
//
// The unit of the domain is a grid row. A domain of D rows and a pool of N
// workers produce N ranges:
//
//	D = 101, N = 2            D = 10, N = 4
//	┌────────────┐            ┌──────────┐
//	│ #0 [0,51)  │            │ #0 [0,3) │
//	├────────────┤            │ #1 [3,6) │
//	│ #1 [51,101)│            │ #2 [6,8) │
//	└────────────┘            │ #3 [8,10)│
//	                          └──────────┘
//
// Ranges are contiguous, do not overlap, and cover every row once. The first
// D mod N ranges hold one extra row, so sizes never differ by more than one.
// A domain smaller than the pool cannot be split, because every worker must
// own at least one row to produce a boundary row.
//
// # Neighbour graph
//
// Neighbours are computed once from partition order:
//
//   - BoundaryDead: a line. Interior partitions have an above and a below
//     neighbour, the first and last have one, a lone partition has none.
//   - BoundaryTorus: a ring. With two partitions each is both the above and
//     the below neighbour of the other. A lone partition wraps onto itself
//     without any exchange.
//
// Each Neighbour names the partition that supplies the halo row for one Side
// of the owner. The supplier sends its first row to its above neighbour and
// its last row to its below neighbour.
package partition
