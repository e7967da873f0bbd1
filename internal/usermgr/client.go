package usermgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client talks to the UMD over its Unix socket. Every call is a single
// connect-write-read-close round trip; the daemon serves one request at a
// time regardless.
type Client struct {
	socketPath  string
	callTimeout time.Duration
}

// NewClient builds a UMD client for the daemon listening at socketPath.
func NewClient(socketPath string, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, callTimeout: callTimeout}
}

func (c *Client) call(ctx context.Context, cmd Command, args interface{}) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var argsRaw json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Response{}, fmt.Errorf("serializing usermgr args: %w", err)
		}
		argsRaw = raw
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to usermgr at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	line, err := json.Marshal(Request{Cmd: cmd, Args: argsRaw})
	if err != nil {
		return Response{}, fmt.Errorf("serializing usermgr request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return Response{}, fmt.Errorf("writing usermgr request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 8*1024)
	respLine, err := reader.ReadString('\n')
	if err != nil {
		return Response{}, fmt.Errorf("reading usermgr response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return Response{}, fmt.Errorf("parsing usermgr response: %w", err)
	}
	if !resp.OK {
		return Response{}, fmt.Errorf("usermgr: %s", resp.Error)
	}
	return resp, nil
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, CmdPing, nil)
	return err
}

// EnsureGroup creates the shared group if it does not already exist.
func (c *Client) EnsureGroup(ctx context.Context, group string) error {
	_, err := c.call(ctx, CmdCreateGroup, CreateGroupArgs{Group: group})
	return err
}

// CreateUser provisions a Linux user for a platform user.
func (c *Client) CreateUser(ctx context.Context, args CreateUserArgs) error {
	_, err := c.call(ctx, CmdCreateUser, args)
	return err
}

// DeleteUser removes a previously provisioned Linux user.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	_, err := c.call(ctx, CmdDeleteUser, DeleteUserArgs{Username: username})
	return err
}

// Mkdir creates a directory under one of the daemon's allowed path prefixes.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	_, err := c.call(ctx, CmdMkdir, MkdirArgs{Path: path})
	return err
}

// Chown changes ownership of a path under an allowed prefix.
func (c *Client) Chown(ctx context.Context, owner, path string, recursive bool) error {
	_, err := c.call(ctx, CmdChown, ChownArgs{Owner: owner, Path: path, Recursive: recursive})
	return err
}

// Chmod changes the mode of a path under an allowed prefix, to an allowed mode.
func (c *Client) Chmod(ctx context.Context, mode, path string) error {
	_, err := c.call(ctx, CmdChmod, ChmodArgs{Mode: mode, Path: path})
	return err
}

// EnableLinger enables systemd user-session lingering so per-user services
// keep running without an active login.
func (c *Client) EnableLinger(ctx context.Context, username string) error {
	_, err := c.call(ctx, CmdEnableLinger, EnableLingerArgs{Username: username})
	return err
}

// StartUserService starts the systemd user@<uid>.service unit.
func (c *Client) StartUserService(ctx context.Context, uid uint32) error {
	_, err := c.call(ctx, CmdStartUserService, StartUserServiceArgs{UID: uid})
	return err
}
