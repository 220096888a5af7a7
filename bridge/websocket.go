package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/flashforge_bridge/coordinator"
)

const (
	writeWait   = 10 * time.Second
	rpcTimeout  = 2 * time.Minute
	maxMsgBytes = 64 * 1024
	// sendBuffer is how many outbound messages a client may fall behind
	// before it is disconnected.
	sendBuffer = 64
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidParams  = -32602
	rpcMethodNotFound = -32601
	rpcServerError    = -32000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// jsonRPCRequest represents an incoming JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// jsonRPCResponse represents an outgoing JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// jsonRPCNotification represents a server-to-client notification (no id).
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// actionRequest is the params object of printer.action.
type actionRequest struct {
	Action string       `json:"action"`
	Params ActionParams `json:"params"`
}

// WSClient represents a connected WebSocket client. Messages are queued on
// send and written by the client's own writePump, so a slow reader never
// blocks the sender.
type WSClient struct {
	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, buffer int) *WSClient {
	return &WSClient{
		conn: conn,
		send: make(chan any, buffer),
		done: make(chan struct{}),
	}
}

// enqueue queues v without blocking. It reports false when the client is
// closed or its queue is full.
func (c *WSClient) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

// close stops the writePump, which then closes the connection.
func (c *WSClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WSClient) writePump(log *slog.Logger) {
	defer c.conn.Close()
	for {
		select {
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				log.Debug("websocket write failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// WSHub manages all WebSocket clients.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]bool
	server  *Server
}

func NewWSHub(s *Server) *WSHub {
	return &WSHub{
		clients: make(map[*WSClient]bool),
		server:  s,
	}
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
		}
		c.close()
		delete(h.clients, c)
	}
}

// BroadcastUpdate forwards a coordinator update: refreshes become
// notify_status_update, commands become notify_command_result.
func (h *WSHub) BroadcastUpdate(u coordinator.Update) {
	switch u.Kind {
	case coordinator.UpdateCommand:
		h.BroadcastNotification("notify_command_result", []any{u.Command})
	default:
		h.BroadcastNotification("notify_status_update", []any{
			u.Snapshot,
			map[string]any{
				"phase":     u.Phase,
				"connected": u.Connected,
			},
		})
	}
}

// BroadcastNotification queues a notification for all connected clients.
// It never blocks; clients whose queue is full are disconnected.
func (h *WSHub) BroadcastNotification(method string, params any) {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	notification := jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	for _, c := range clients {
		if !c.enqueue(notification) {
			h.drop(c, method)
		}
	}
}

// drop disconnects a client that cannot keep up.
func (h *WSHub) drop(c *WSClient, method string) {
	h.server.log.Warn("websocket client too slow, disconnecting", "method", method)
	h.unregister(c)
	c.close()
}

// HandleWebSocket upgrades the HTTP connection to WebSocket and processes JSON-RPC.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMsgBytes)

	client := newWSClient(conn, sendBuffer)
	h.register(client)
	go client.writePump(h.server.log)
	defer func() {
		h.unregister(client)
		client.close()
	}()

	h.server.log.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.server.log.Warn("websocket read failed", "error", err)
			}
			break
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			resp := jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: rpcParseError, Message: "Parse error"},
				ID:      nil,
			}
			if !client.enqueue(resp) {
				h.drop(client, "parse error")
			}
			continue
		}

		h.handleRPC(r.Context(), client, &req)
	}
}

func (h *WSHub) handleRPC(ctx context.Context, client *WSClient, req *jsonRPCRequest) {
	h.server.log.Debug("websocket rpc", "method", req.Method, "id", req.ID)

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	coord := h.server.coord

	switch req.Method {
	case "server.info":
		resp.Result = h.server.serverInfo()

	case "printer.snapshot":
		resp.Result = coord.Snapshot()

	case "printer.diagnostics":
		resp.Result = coord.Diagnostics()

	case "printer.actions.list":
		resp.Result = h.server.Actions()

	case "printer.refresh":
		if err := coord.Refresh(ctx); err != nil {
			resp.Error = &rpcError{Code: rpcServerError, Message: err.Error()}
		} else {
			resp.Result = coord.Snapshot()
		}

	case "printer.action":
		var ar actionRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &ar); err != nil {
				resp.Error = &rpcError{Code: rpcInvalidParams, Message: "invalid params: " + err.Error()}
				break
			}
		}
		result, err := h.server.RunAction(ctx, ar.Action, ar.Params)
		if err != nil {
			resp.Error = &rpcError{Code: rpcCodeFor(err), Message: err.Error()}
		} else {
			resp.Result = result
		}

	default:
		resp.Error = &rpcError{
			Code:    rpcMethodNotFound,
			Message: "Method not found: " + req.Method,
		}
	}

	if resp.Error != nil {
		h.server.log.Warn("websocket rpc error", "method", req.Method, "code", resp.Error.Code, "message", resp.Error.Message)
	}

	if !client.enqueue(resp) {
		h.drop(client, req.Method)
	}
}

func rpcCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownAction):
		return rpcMethodNotFound
	case errors.Is(err, coordinator.ErrInvalidArgument):
		return rpcInvalidParams
	default:
		return rpcServerError
	}
}
