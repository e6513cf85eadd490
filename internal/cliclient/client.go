// Package cliclient is nsctl's thin RPC client: dial the control socket
// named by NSGOD_API (retrying with backoff while the daemon is still
// coming up), issue the nine RPC calls, and dispatch server-sent events
// to a caller-supplied handler.
package cliclient

import (
	"context"
	"encoding/json"
	"net"
	"net/url"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/codehz/nsgod/internal/api"
)

// EventHandler receives every notification the daemon emits (spec
// section 4.5: output/started/stopped/updated).
type EventHandler func(method string, params json.RawMessage)

type handler struct {
	onEvent EventHandler
}

func (h handler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if h.onEvent == nil || req.Params == nil {
		return
	}
	h.onEvent(req.Method, *req.Params)
}

// Client is a single JSON-RPC connection to the nsgod control socket.
type Client struct {
	conn *jsonrpc2.Conn
}

// objStream wraps *websocket.Conn the same way internal/rpc's wsStream
// does, duplicated here rather than imported to keep the CLI binary free
// of a dependency on the daemon's internal/rpc package.
type objStream struct{ ws *websocket.Conn }

func (s objStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s objStream) ReadObject(v interface{}) error {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s objStream) Close() error { return s.ws.Close() }

// Dial connects to apiURL ("ws+unix://path" or "ws://host:port"),
// retrying with a bounded exponential backoff while the daemon's socket
// does not exist yet or refuses connections — covering nsctl launched
// concurrently with daemon startup by a process manager.
func Dial(ctx context.Context, apiURL string, onEvent EventHandler) (*Client, error) {
	dialer, wireURL, err := resolveDialer(apiURL)
	if err != nil {
		return nil, err
	}

	var ws *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	boff := backoff.WithMaxRetries(b, 10)
	operation := func() error {
		conn, _, derr := dialer.DialContext(ctx, wireURL, nil)
		if derr != nil {
			return derr
		}
		ws = conn
		return nil
	}
	if err := backoff.Retry(operation, boff); err != nil {
		return nil, errors.Wrap(err, "cliclient: dialing control socket")
	}

	stream := objStream{ws: ws}
	conn := jsonrpc2.NewConn(ctx, stream, handler{onEvent: onEvent})
	return &Client{conn: conn}, nil
}

// resolveDialer turns an NSGOD_API-style URL into a *websocket.Dialer and
// the placeholder "ws://" URL gorilla/websocket requires, redirecting the
// actual network dial to a unix socket for the "ws+unix" scheme.
func resolveDialer(apiURL string) (*websocket.Dialer, string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, "", errors.Wrap(err, "cliclient: parsing API url")
	}
	switch u.Scheme {
	case "ws+unix":
		path := u.Host + u.Path
		dialer := &websocket.Dialer{
			NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
		return dialer, "ws://unix/", nil
	case "ws", "wss":
		return websocket.DefaultDialer, apiURL, nil
	default:
		return nil, "", errors.Errorf("cliclient: unsupported API scheme %q", u.Scheme)
	}
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	return c.conn.Call(ctx, method, params, result)
}

// Ping round-trips body through the daemon's ping method, which echoes
// its request unchanged — a liveness check that also exercises the
// transport's framing for arbitrary payloads, not just empty ones.
func (c *Client) Ping(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "ping", body, &out)
	return out, err
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var s string
	err := c.call(ctx, "version", nil, &s)
	return s, err
}

func (c *Client) Start(ctx context.Context, req api.StartRequest) (api.ServiceState, error) {
	var res api.ServiceState
	err := c.call(ctx, "start", req, &res)
	return res, err
}

func (c *Client) Send(ctx context.Context, req api.SendRequest) (api.OkReply, error) {
	var res api.OkReply
	err := c.call(ctx, "send", req, &res)
	return res, err
}

func (c *Client) Resize(ctx context.Context, req api.ResizeRequest) (api.OkReply, error) {
	var res api.OkReply
	err := c.call(ctx, "resize", req, &res)
	return res, err
}

func (c *Client) Erase(ctx context.Context, req api.ServiceRequest) (api.OkReply, error) {
	var res api.OkReply
	err := c.call(ctx, "erase", req, &res)
	return res, err
}

func (c *Client) Status(ctx context.Context, service string) (api.ServiceTable, error) {
	var res api.ServiceTable
	err := c.call(ctx, "status", api.ServiceRequest{Service: service}, &res)
	return res, err
}

func (c *Client) StatusOne(ctx context.Context, service string) (api.ServiceState, error) {
	var res api.ServiceState
	err := c.call(ctx, "status", api.ServiceRequest{Service: service}, &res)
	return res, err
}

func (c *Client) Kill(ctx context.Context, req api.KillRequest) error {
	return c.call(ctx, "kill", req, nil)
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, "shutdown", nil, nil)
}
