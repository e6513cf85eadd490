// Package rpc wires the supervisor's RPC methods and events onto the
// transport spec section 6 fixes: one JSON-RPC 2.0 envelope per WebSocket
// text message. Envelope handling is github.com/sourcegraph/jsonrpc2;
// the socket itself is github.com/gorilla/websocket — neither is grounded
// in the example corpus (see SPEC_FULL.md's "Transport binding" note),
// both are named here as the external collaborator spec.md describes at
// its interface only.
package rpc

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// wsStream adapts a *websocket.Conn to jsonrpc2.ObjectStream, framing
// each JSON-RPC object as one WebSocket text message.
type wsStream struct {
	conn *websocket.Conn
}

func newStream(conn *websocket.Conn) jsonrpc2.ObjectStream {
	return wsStream{conn: conn}
}

func (s wsStream) WriteObject(obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s wsStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s wsStream) Close() error {
	return s.conn.Close()
}
