package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pingcap/errors"
)

// Deadlines come from the request context; turns on large grids may take
// longer than any fixed client timeout.
var httpClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
	},
}

// RemoteError is an error reported by a peer through an ErrorResponse. It
// keeps the RFC code so callers can classify it like a local error.
type RemoteError struct {
	URL     string
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Message)
}

// RFCCode returns the code the peer reported.
func (e *RemoteError) RFCCode() errors.RFCErrorCode {
	return errors.RFCErrorCode(e.Code)
}

// PostJSON sends body as JSON and decodes the response into out when out is
// not nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Trace(err)
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(req.URL, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Trace(json.NewDecoder(resp.Body).Decode(out))
}

func decodeError(u *url.URL, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Code != "" {
		return &RemoteError{
			URL:     u.String(),
			Status:  resp.StatusCode,
			Code:    envelope.Code,
			Message: envelope.Message,
		}
	}
	return errors.Errorf("http %s: %d", u, resp.StatusCode)
}

// WorkerClient is the broker's and the workers' view of a worker. Every call
// blocks until the worker answers or ctx is done.
type WorkerClient interface {
	Health(ctx context.Context, addr string) (*HealthResponse, error)
	Configure(ctx context.Context, addr string, req *ConfigureRequest) error
	ExecuteTurn(ctx context.Context, addr string, req *TurnRequest) (*TurnResponse, error)
	PushHalo(ctx context.Context, addr string, msg *HaloMessage) error
	// State returns the partition at turn, or at the last committed turn when
	// turn is negative.
	State(ctx context.Context, addr string, turn int) (*StateResponse, error)
	Progress(ctx context.Context, addr string) (*ProgressResponse, error)
	Stop(ctx context.Context, addr string, runID string) error
	Shutdown(ctx context.Context, addr string) error
}

// HTTPWorkerClient talks to workers over their HTTP API.
type HTTPWorkerClient struct{}

// NewHTTPWorkerClient returns a WorkerClient backed by HTTP/JSON.
func NewHTTPWorkerClient() *HTTPWorkerClient {
	return &HTTPWorkerClient{}
}

func (c *HTTPWorkerClient) Health(ctx context.Context, addr string) (*HealthResponse, error) {
	var resp HealthResponse
	if err := GetJSON(ctx, BaseURL(addr)+"/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPWorkerClient) Configure(ctx context.Context, addr string, req *ConfigureRequest) error {
	return PostJSON(ctx, BaseURL(addr)+"/configure", req, nil)
}

func (c *HTTPWorkerClient) ExecuteTurn(ctx context.Context, addr string, req *TurnRequest) (*TurnResponse, error) {
	var resp TurnResponse
	if err := PostJSON(ctx, BaseURL(addr)+"/turn", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPWorkerClient) PushHalo(ctx context.Context, addr string, msg *HaloMessage) error {
	return PostJSON(ctx, BaseURL(addr)+"/halo", msg, nil)
}

func (c *HTTPWorkerClient) State(ctx context.Context, addr string, turn int) (*StateResponse, error) {
	u := BaseURL(addr) + "/state"
	if turn >= 0 {
		u += "?turn=" + strconv.Itoa(turn)
	}
	var resp StateResponse
	if err := GetJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPWorkerClient) Progress(ctx context.Context, addr string) (*ProgressResponse, error) {
	var resp ProgressResponse
	if err := GetJSON(ctx, BaseURL(addr)+"/progress", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPWorkerClient) Stop(ctx context.Context, addr string, runID string) error {
	return PostJSON(ctx, BaseURL(addr)+"/stop", &StopRequest{RunID: runID}, nil)
}

func (c *HTTPWorkerClient) Shutdown(ctx context.Context, addr string) error {
	return PostJSON(ctx, BaseURL(addr)+"/shutdown", struct{}{}, nil)
}

// BrokerClient drives a broker over its HTTP API.
type BrokerClient struct {
	base string
}

// NewBrokerClient returns a client for the broker at addr.
func NewBrokerClient(addr string) *BrokerClient {
	return &BrokerClient{base: BaseURL(addr)}
}

// Run starts a run and blocks until it ends.
func (c *BrokerClient) Run(ctx context.Context, req *RunRequest) (*RunResultResponse, error) {
	var resp RunResultResponse
	if err := PostJSON(ctx, c.base+"/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the state of the current run.
func (c *BrokerClient) Status(ctx context.Context) (*RunStatus, error) {
	var resp RunStatus
	if err := GetJSON(ctx, c.base+"/runs/current", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot returns the world at the last committed turn of the current run.
func (c *BrokerClient) Snapshot(ctx context.Context) (*RunResultResponse, error) {
	var resp RunResultResponse
	if err := GetJSON(ctx, c.base+"/runs/current/snapshot", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workers lists the partitions of the current run and the workers owning
// them.
func (c *BrokerClient) Workers(ctx context.Context) ([]WorkerStatus, error) {
	var resp []WorkerStatus
	if err := GetJSON(ctx, c.base+"/runs/current/workers", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RowOwner returns the worker holding a global row of the current run.
func (c *BrokerClient) RowOwner(ctx context.Context, row int) (*WorkerStatus, error) {
	var resp WorkerStatus
	if err := GetJSON(ctx, fmt.Sprintf("%s/runs/current/rows/%d", c.base, row), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *BrokerClient) Pause(ctx context.Context) (*RunStatus, error) {
	return c.control(ctx, "pause")
}

func (c *BrokerClient) Resume(ctx context.Context) (*RunStatus, error) {
	return c.control(ctx, "resume")
}

func (c *BrokerClient) Quit(ctx context.Context) (*RunStatus, error) {
	return c.control(ctx, "quit")
}

func (c *BrokerClient) Abort(ctx context.Context) (*RunStatus, error) {
	return c.control(ctx, "abort")
}

// Shutdown asks the broker to shut down its workers and itself.
func (c *BrokerClient) Shutdown(ctx context.Context) error {
	return PostJSON(ctx, c.base+"/shutdown", struct{}{}, nil)
}

func (c *BrokerClient) control(ctx context.Context, action string) (*RunStatus, error) {
	var resp RunStatus
	if err := PostJSON(ctx, c.base+"/runs/current/"+action, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
