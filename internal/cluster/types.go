package cluster

import (
	"fmt"
	"strings"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/partition"
)

// HaloMode selects how boundary rows travel between turns.
type HaloMode string

const (
	// HaloPeer has workers push boundary rows straight to their neighbours.
	HaloPeer HaloMode = "peer"
	// HaloRelay has the broker forward boundary rows from acks into the next
	// turn command.
	HaloRelay HaloMode = "relay"
)

// ParseHaloMode accepts the textual halo mode names. An empty string selects
// HaloPeer.
func ParseHaloMode(s string) (HaloMode, error) {
	switch HaloMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", HaloPeer:
		return HaloPeer, nil
	case HaloRelay:
		return HaloRelay, nil
	default:
		return "", cerror.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("unknown halo mode %q, want %q or %q", s, HaloPeer, HaloRelay))
	}
}

// HealthResponse is returned by GET /health on a worker.
type HealthResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	RunID  string `json:"run_id,omitempty"`
	Turn   int    `json:"turn"`
	// Versions is the number of partition states the worker retains.
	Versions int `json:"versions"`
}

// NeighbourInfo tells a worker where the partition supplying one of its halo
// rows lives.
type NeighbourInfo struct {
	Index int            `json:"index"`
	Addr  string         `json:"addr"`
	Side  partition.Side `json:"side"`
}

// HaloRows carries the two rows bordering a partition. A nil row is all dead.
type HaloRows struct {
	Above []byte `json:"above,omitempty"`
	Below []byte `json:"below,omitempty"`
}

// ConfigureRequest sets a worker up for one run.
type ConfigureRequest struct {
	RunID       string             `json:"run_id"`
	Partition   partition.Range    `json:"partition"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Rows        GridPayload        `json:"rows"`
	Boundary    partition.Boundary `json:"boundary"`
	HaloMode    HaloMode           `json:"halo_mode"`
	Neighbours  []NeighbourInfo    `json:"neighbours"`
	Halo        HaloRows           `json:"halo"`
	Parallelism int                `json:"parallelism"`
}

// TurnRequest asks a worker to advance its partition from state Turn to
// state Turn+1. Halo is set only in relay mode.
type TurnRequest struct {
	RunID string    `json:"run_id"`
	Turn  int       `json:"turn"`
	Halo  *HaloRows `json:"halo,omitempty"`
}

// TurnResponse acknowledges a turn. Top and Bottom are the first and last
// rows of the new state.
type TurnResponse struct {
	RunID    string `json:"run_id"`
	WorkerID string `json:"worker_id"`
	Turn     int    `json:"turn"`
	Alive    int    `json:"alive"`
	Top      []byte `json:"top"`
	Bottom   []byte `json:"bottom"`
}

// HaloMessage delivers one boundary row of state Turn. Side is the edge of
// the receiving partition the row attaches to.
type HaloMessage struct {
	RunID string         `json:"run_id"`
	Turn  int            `json:"turn"`
	From  int            `json:"from"`
	Side  partition.Side `json:"side"`
	Row   []byte         `json:"row"`
}

// StateResponse holds a worker's partition at its last committed turn.
type StateResponse struct {
	RunID     string          `json:"run_id"`
	WorkerID  string          `json:"worker_id"`
	Partition partition.Range `json:"partition"`
	Turn      int             `json:"turn"`
	Rows      GridPayload     `json:"rows"`
}

// ProgressResponse is the lightweight view of a worker's progress.
type ProgressResponse struct {
	RunID string `json:"run_id"`
	Turn  int    `json:"turn"`
	Alive int    `json:"alive"`
}

// StopRequest cancels the in-flight turn of a run.
type StopRequest struct {
	RunID string `json:"run_id"`
}

// LogLevelRequest is the body of POST /log on every component.
type LogLevelRequest struct {
	Level string `json:"log_level"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"error_msg"`
	Code    string `json:"error_code"`
}

// NewErrorResponse wraps err into an ErrorResponse.
func NewErrorResponse(err error) ErrorResponse {
	code, _ := cerror.RFCCode(err)
	return ErrorResponse{
		Message: err.Error(),
		Code:    string(code),
	}
}

// BaseURL turns a worker or broker address into a URL prefix. Bare host:port
// addresses get an http scheme.
func BaseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// RunRequest starts a run on the broker. The grid size is taken from World.
type RunRequest struct {
	Workers       int                `json:"workers"`
	WorkerAddrs   []string           `json:"worker_addrs"`
	Turns         int                `json:"turns"`
	Boundary      partition.Boundary `json:"boundary"`
	HaloMode      HaloMode           `json:"halo_mode"`
	TurnTimeoutMs int64              `json:"turn_timeout_ms"`
	Parallelism   int                `json:"parallelism"`
	World         GridPayload        `json:"world"`
}

// RunStatus is the live view of the broker's current run.
type RunStatus struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	Turn      int    `json:"turn"`
	Turns     int    `json:"turns"`
	Alive     int    `json:"alive"`
	Workers   int    `json:"workers"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// WorkerStatus describes one worker of the current run as the broker sees
// it. Health is empty when the broker does not probe workers.
type WorkerStatus struct {
	Partition        partition.Range `json:"partition"`
	Addr             string          `json:"addr"`
	WorkerID         string          `json:"worker_id"`
	Health           string          `json:"health,omitempty"`
	ConsecutiveFails int             `json:"consecutive_fails,omitempty"`
}

// LatencySummary describes the distribution of turn durations.
type LatencySummary struct {
	Count  int64 `json:"count"`
	MeanUs int64 `json:"mean_us"`
	P50Us  int64 `json:"p50_us"`
	P95Us  int64 `json:"p95_us"`
	P99Us  int64 `json:"p99_us"`
	MaxUs  int64 `json:"max_us"`
}

// RunResultResponse carries a grid assembled by the broker, either the final
// result of a run or a snapshot taken mid-run.
type RunResultResponse struct {
	RunID     string         `json:"run_id"`
	Turn      int            `json:"turn"`
	Turns     int            `json:"turns"`
	Completed bool           `json:"completed"`
	Alive     int            `json:"alive"`
	World     GridPayload    `json:"world"`
	Latency   LatencySummary `json:"latency"`
	ElapsedMs int64          `json:"elapsed_ms"`
}
