package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Call sends req to the daemon's control socket and returns its response.
// A response with OK false is returned as an error.
func Call(ctx context.Context, socketPath string, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send control request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read control response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal control response: %w", err)
	}
	if !resp.OK {
		return &resp, fmt.Errorf("%s: %s", req.Action, resp.Error)
	}
	return &resp, nil
}
