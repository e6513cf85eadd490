package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/eventloop"
	"github.com/codehz/nsgod/internal/nsgoderr"
)

// Supervisor is the subset of *supervisor.Supervisor the RPC layer calls
// into. Declared here (rather than imported as a concrete type) keeps
// internal/rpc's dependency on internal/supervisor one-directional in
// spirit — supervisor.Supervisor satisfies this implicitly.
type Supervisor interface {
	Ping(json.RawMessage) json.RawMessage
	Start(api.StartRequest) (api.ServiceState, error)
	Send(api.SendRequest) (api.OkReply, error)
	Resize(api.ResizeRequest) (api.OkReply, error)
	Erase(api.ServiceRequest) (api.OkReply, error)
	Status(service string) (interface{}, error)
	Kill(api.KillRequest) error
	Shutdown() error
}

// Server accepts WebSocket connections on a single listener, dispatches
// each one's JSON-RPC requests to a Supervisor, and broadcasts events to
// every currently-connected client (spec section 4.5's event list).
//
// jsonrpc2 hands each inbound request to handle on its own goroutine, but
// Supervisor methods must only ever run on the event loop's single
// goroutine (spec section 5: "no locks, no reentrancy"). handle never
// calls into sup directly: it hands dispatch off to queue, which runs it
// on the loop goroutine the same way HandleSIGCHLD and onChildIO do, and
// blocks the request goroutine for the result.
type Server struct {
	sup      Supervisor
	version  string
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	queue    *callQueue

	mu    sync.Mutex
	conns map[*jsonrpc2.Conn]struct{}
}

// NewServer creates a Server whose RPC dispatch is funneled onto loop via
// an eventfd-backed queue, the way the reference integrates its
// websocket server into the same epoll instance that drives child I/O
// and signal delivery.
func NewServer(version string, log logrus.FieldLogger, loop *eventloop.Loop) (*Server, error) {
	queue, err := newCallQueue(loop)
	if err != nil {
		return nil, err
	}
	return &Server{
		version: version,
		log:     log,
		queue:   queue,
		conns:   make(map[*jsonrpc2.Conn]struct{}),
	}, nil
}

// Close releases the server's event loop registration. cmd/nsgod calls
// this after the loop has stopped, during shutdown.
func (s *Server) Close() error {
	return s.queue.close()
}

// SetSupervisor wires the Server to its Supervisor. The two are
// constructed separately because each needs a reference to the other
// (the Server is the Supervisor's event Emitter); cmd/nsgod creates the
// Server first, then the Supervisor, then calls this.
func (s *Server) SetSupervisor(sup Supervisor) {
	s.sup = sup
}

// Listen parses an NSGOD_API-style URL ("ws+unix://path" or
// "ws://host:port") and returns the matching net.Listener. Only these
// two schemes are supported, matching spec section 6's control-socket
// contract (a local transport, not a routable one).
func Listen(apiURL string) (net.Listener, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, nsgoderr.Setup(err, "rpc: parsing %s", apiURL)
	}
	switch u.Scheme {
	case "ws+unix":
		path := u.Host + u.Path
		os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, nsgoderr.Setup(err, "rpc: listening on unix socket %s", path)
		}
		return ln, nil
	case "ws":
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, nsgoderr.Setup(err, "rpc: listening on %s", u.Host)
		}
		return ln, nil
	default:
		return nil, nsgoderr.Setup(nil, "rpc: unsupported API scheme %q", u.Scheme)
	}
}

// Serve runs an HTTP server over ln whose single handler upgrades every
// request to a WebSocket and runs it as one JSON-RPC connection. It
// blocks until ln closes.
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	return http.Serve(ln, mux)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("rpc: websocket upgrade failed")
		return
	}
	stream := newStream(conn)
	rpcConn := jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.HandlerWithError(s.handle))

	s.mu.Lock()
	s.conns[rpcConn] = struct{}{}
	s.mu.Unlock()

	<-rpcConn.DisconnectNotify()

	s.mu.Lock()
	delete(s.conns, rpcConn)
	s.mu.Unlock()
}

// Emit implements supervisor.Emitter by broadcasting a JSON-RPC
// notification to every connected client. Slow or dead clients are not
// special-cased: a write that blocks only blocks that one connection's
// goroutine, never the supervisor's event loop.
func (s *Server) Emit(method string, params interface{}) {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go func(c *jsonrpc2.Conn) {
			if err := c.Notify(context.Background(), method, params); err != nil {
				s.log.WithError(err).Debug("rpc: notify failed")
			}
		}(c)
	}
}

// handle is jsonrpc2's per-request entry point: it runs on a goroutine
// jsonrpc2 spawns for this request, not on the event loop goroutine. It
// enqueues dispatch onto s.queue and blocks until the loop goroutine has
// run it, so concurrent requests never race the loop's own callbacks
// against the Supervisor's unlocked state.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	return s.queue.submit(func() (interface{}, error) {
		return s.dispatch(req)
	})
}

func (s *Server) dispatch(req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case "ping":
		var body json.RawMessage
		if req.Params != nil {
			body = *req.Params
		}
		return s.sup.Ping(body), nil
	case "version":
		return s.version, nil
	case "start":
		var p api.StartRequest
		if err := unmarshalParams(req, &p); err != nil {
			return nil, rpcErr(err)
		}
		res, err := s.sup.Start(p)
		return res, rpcErr(err)
	case "send":
		var p api.SendRequest
		if err := unmarshalParams(req, &p); err != nil {
			return nil, rpcErr(err)
		}
		res, err := s.sup.Send(p)
		return res, rpcErr(err)
	case "resize":
		var p api.ResizeRequest
		if err := unmarshalParams(req, &p); err != nil {
			return nil, rpcErr(err)
		}
		res, err := s.sup.Resize(p)
		return res, rpcErr(err)
	case "erase":
		var p api.ServiceRequest
		if err := unmarshalParams(req, &p); err != nil {
			return nil, rpcErr(err)
		}
		res, err := s.sup.Erase(p)
		return res, rpcErr(err)
	case "status":
		var p api.ServiceRequest
		if req.Params != nil {
			if err := unmarshalParams(req, &p); err != nil {
				return nil, rpcErr(err)
			}
		}
		res, err := s.sup.Status(p.Service)
		return res, rpcErr(err)
	case "kill":
		var p api.KillRequest
		if err := unmarshalParams(req, &p); err != nil {
			return nil, rpcErr(err)
		}
		return nil, rpcErr(s.sup.Kill(p))
	case "shutdown":
		return nil, rpcErr(s.sup.Shutdown())
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return nsgoderr.Protocol("missing request params")
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return nsgoderr.Protocol("decoding params: %s", err)
	}
	return nil
}

// rpcErr converts a *nsgoderr.Error into the *jsonrpc2.Error shape spec
// section 7 describes: one generic application-error code per kind, the
// kind's message as the error text.
func rpcErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(*nsgoderr.Error); ok {
		return &jsonrpc2.Error{Code: kindCode(ne.Kind()), Message: ne.Error()}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
}

// kindCode assigns each nsgoderr.Kind a stable negative application-error
// code in the JSON-RPC reserved-for-implementation-defined range.
func kindCode(k nsgoderr.Kind) int64 {
	base := int64(-32000)
	return base - int64(k)
}
