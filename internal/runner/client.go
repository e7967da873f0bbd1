package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client talks to a Runner daemon over its Unix socket. Connection-per-
// request is acceptable except for subscriptions, which hold the stream
// open for the lifetime of the subscription.
type Client struct {
	socketPath string
	callTimeout time.Duration
}

// NewClient builds a client for the Runner listening at socketPath.
func NewClient(socketPath string, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Client{socketPath: socketPath, callTimeout: callTimeout}
}

// ResolveSocketPath substitutes {user} and {runtime_dir} in pattern.
func ResolveSocketPath(pattern, user, runtimeDir string) string {
	p := strings.ReplaceAll(pattern, "{user}", user)
	p = strings.ReplaceAll(p, "{runtime_dir}", runtimeDir)
	return p
}

// RunnerError is a typed failure returned by the Runner (code + message).
type RunnerError struct {
	Code    ErrorCode
	Message string
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner error (%s): %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to runner at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("serializing request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return Response{}, fmt.Errorf("writing request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	respLine, err := reader.ReadString('\n')
	if err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return Response{}, fmt.Errorf("parsing response: %w", err)
	}
	if resp.Type == RespError {
		return Response{}, &RunnerError{Code: resp.Code, Message: resp.Message}
	}
	return resp, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, Request{Type: ReqPing})
	return err
}

// SpawnRPCProcess starts a process with stdin/stdout pipes retained.
func (c *Client) SpawnRPCProcess(ctx context.Context, id, binary string, args []string, cwd string, env map[string]string) (int, error) {
	resp, err := c.do(ctx, Request{Type: ReqSpawnRPCProcess, ID: id, Binary: binary, Args: args, Cwd: cwd, Env: env})
	if err != nil {
		return 0, err
	}
	return resp.Pid, nil
}

// SpawnProcess starts a detached process with no stdio pipes.
func (c *Client) SpawnProcess(ctx context.Context, id, binary string, args []string, cwd string, env map[string]string) (int, error) {
	resp, err := c.do(ctx, Request{Type: ReqSpawnProcess, ID: id, Binary: binary, Args: args, Cwd: cwd, Env: env})
	if err != nil {
		return 0, err
	}
	return resp.Pid, nil
}

// KillProcess stops a process; force selects SIGKILL over SIGTERM.
func (c *Client) KillProcess(ctx context.Context, id string, force bool) error {
	_, err := c.do(ctx, Request{Type: ReqKillProcess, ID: id, Force: force})
	return err
}

// GetStatus fetches a process's current status.
func (c *Client) GetStatus(ctx context.Context, id string) (Response, error) {
	return c.do(ctx, Request{Type: ReqGetStatus, ID: id})
}

// ListProcesses lists every process the Runner tracks.
func (c *Client) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	resp, err := c.do(ctx, Request{Type: ReqListProcesses})
	if err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

// WriteStdin writes data to an RPC process's stdin.
func (c *Client) WriteStdin(ctx context.Context, id, data string) (int, error) {
	resp, err := c.do(ctx, Request{Type: ReqWriteStdin, ID: id, Data: data})
	if err != nil {
		return 0, err
	}
	return resp.BytesWritten, nil
}

// ReadStdout does a single buffered read of an RPC process's accumulated
// stdout, clearing the buffer.
func (c *Client) ReadStdout(ctx context.Context, id string) (string, error) {
	resp, err := c.do(ctx, Request{Type: ReqReadStdout, ID: id})
	if err != nil {
		return "", err
	}
	return resp.Data, nil
}

// SpawnIfAbsent implements the client-side resilience contract: if a spawn
// collides with a stale process id, check status; if running, reuse; else
// kill and retry.
func (c *Client) SpawnIfAbsent(ctx context.Context, id, binary string, args []string, cwd string, env map[string]string) (int, error) {
	pid, err := c.SpawnRPCProcess(ctx, id, binary, args, cwd, env)
	if err == nil {
		return pid, nil
	}

	var rerr *RunnerError
	if !asRunnerError(err, &rerr) || rerr.Code != ErrProcessAlreadyExists {
		return 0, err
	}

	status, statusErr := c.GetStatus(ctx, id)
	if statusErr == nil && status.Running {
		if status.Pid != 0 {
			return status.Pid, nil
		}
	}

	if killErr := c.KillProcess(ctx, id, true); killErr != nil {
		return 0, fmt.Errorf("recovering stale process %q: %w", id, killErr)
	}
	return c.SpawnRPCProcess(ctx, id, binary, args, cwd, env)
}

func asRunnerError(err error, target **RunnerError) bool {
	re, ok := err.(*RunnerError)
	if ok {
		*target = re
	}
	return ok
}

// Subscription is an active subscribe_stdout stream.
type Subscription struct {
	conn      net.Conn
	reader    *bufio.Reader
	processID string
}

// SubscribeStdout opens a dedicated connection pinned to one process's
// stdout stream.
func (c *Client) SubscribeStdout(ctx context.Context, id string) (*Subscription, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to runner at %s: %w", c.socketPath, err)
	}

	req := Request{Type: ReqSubscribeStdout, ID: id}
	line, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("serializing request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	first, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading subscription response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(first), &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if resp.Type == RespError {
		conn.Close()
		return nil, &RunnerError{Code: resp.Code, Message: resp.Message}
	}
	if resp.Type != RespStdoutSubscribed {
		conn.Close()
		return nil, fmt.Errorf("unexpected response to subscribe_stdout: %s", resp.Type)
	}

	return &Subscription{conn: conn, reader: reader, processID: id}, nil
}

// SubscriptionEvent is one event from a stdout subscription.
type SubscriptionEvent struct {
	Line     string
	IsEnd    bool
	ExitCode *int
}

// Next returns the next event, or ok=false when the subscription ends
// (process exited or connection closed).
func (s *Subscription) Next() (SubscriptionEvent, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return SubscriptionEvent{}, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return SubscriptionEvent{}, false
	}
	switch resp.Type {
	case RespStdoutLine:
		return SubscriptionEvent{Line: resp.Line}, true
	case RespStdoutEnd:
		return SubscriptionEvent{IsEnd: true, ExitCode: resp.ExitCode}, true
	default:
		return SubscriptionEvent{}, false
	}
}

// Close closes the subscription connection.
func (s *Subscription) Close() error {
	return s.conn.Close()
}

// ProcessID returns the process id this subscription is for.
func (s *Subscription) ProcessID() string {
	return s.processID
}
