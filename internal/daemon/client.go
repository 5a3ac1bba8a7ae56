package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/orchestrator"
)

// Client connects to the daemon for query operations.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
	}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.setDeadline(ctx, conn); err != nil {
		return err
	}

	req := Request{JSONRPC: "2.0", Method: MethodPing, ID: c.nextID()}
	if err := c.send(conn, req); err != nil {
		return err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ping failed: %s", resp.Error.Message)
	}
	return nil
}

// Query sends a query request to the daemon and returns the
// orchestrator's success or error response, mirroring
// Orchestrator.Handle's "exactly one non-nil" contract.
func (c *Client) Query(ctx context.Context, req orchestrator.Request) (*orchestrator.AgentResponse, *orchestrator.AgentErrorResponse, error) {
	conn, err := c.Connect()
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	if err := c.setDeadline(ctx, conn); err != nil {
		return nil, nil, err
	}

	params := QueryParams{
		RequestID:        req.RequestID,
		ScopeID:          req.ScopeID,
		Mode:             string(req.Mode),
		Query:            req.Query,
		IndexRevision:    req.IndexRevision,
		EngineConfigHash: req.EngineConfigHash,
		SourcesDigest:    req.SourcesDigest,
	}
	if err := params.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid params: %w", err)
	}

	rpcReq := Request{JSONRPC: "2.0", Method: MethodQuery, Params: params, ID: c.nextID()}
	if err := c.send(conn, rpcReq); err != nil {
		return nil, nil, err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return nil, nil, err
	}

	if resp.Error != nil {
		return nil, &orchestrator.AgentErrorResponse{
			Error: amerrors.NewWireError(amerrors.WireEngineError, resp.Error.Message, nil),
		}, nil
	}

	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var agentResp orchestrator.AgentResponse
	if err := json.Unmarshal(resultData, &agentResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &agentResp, nil, nil
}

// ClearCache asks the daemon to drop scopeID's cached query results
// ("" clears every scope).
func (c *Client) ClearCache(ctx context.Context, scopeID string) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.setDeadline(ctx, conn); err != nil {
		return err
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  MethodCacheClear,
		Params:  CacheClearParams{ScopeID: scopeID},
		ID:      c.nextID(),
	}
	if err := c.send(conn, req); err != nil {
		return err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("cache clear failed: %s", resp.Error.Message)
	}
	return nil
}

// Status retrieves daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	conn, err := c.Connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.setDeadline(ctx, conn); err != nil {
		return nil, err
	}

	req := Request{JSONRPC: "2.0", Method: MethodStatus, ID: c.nextID()}
	if err := c.send(conn, req); err != nil {
		return nil, err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("status failed: %s", resp.Error.Message)
	}

	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var status StatusResult
	if err := json.Unmarshal(resultData, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

func (c *Client) setDeadline(ctx context.Context, conn net.Conn) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	return nil
}

// send encodes and writes a request to the connection.
func (c *Client) send(conn net.Conn, req Request) error {
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// receive reads and decodes a response from the connection.
func (c *Client) receive(conn net.Conn) (*Response, error) {
	decoder := json.NewDecoder(conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	return &resp, nil
}

// nextID generates a unique request ID.
func (c *Client) nextID() string {
	id := c.requestID.Add(1)
	return fmt.Sprintf("req-%d", id)
}
