// internal/rpc/server.go
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20
)

// Server owns the websocket endpoint of the control plane: it upgrades
// connections, runs the read/write pumps, and dispatches request frames to
// the bound methods.
type Server struct {
	hub      *Hub
	methods  *Methods
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, methods *Methods) *Server {
	return &Server{
		hub:     hub,
		methods: methods,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local control plane, same-origin enforcement is not useful here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and hands the socket to the pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{id: uuid.New().String(), send: make(chan []byte, sendBuffer)}
	s.hub.add(c)

	ws.SetReadLimit(maxFrameSize)

	go s.writePump(c, ws)
	go s.readPump(c, ws)
}

// readPump reads request frames until the connection drops. Responses are
// produced on per-request goroutines so one slow method cannot stall the
// others on the same socket.
func (s *Server) readPump(c *conn, ws *websocket.Conn) {
	defer func() {
		s.hub.remove(c)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) writePump(c *conn, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("websocket write failed", "conn_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(c *conn, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.respond(c, errResponse("", invalidFrame(err)))
		return
	}
	if req.Type != TypeRequest || req.Method == "" {
		s.respond(c, errResponse(req.ID, invalidFrame(nil)))
		return
	}

	go func() {
		result, err := s.methods.Dispatch(context.Background(), req.Method, req.Params)
		if err != nil {
			slog.Debug("rpc call failed", "method", req.Method, "error", err)
			s.respond(c, errResponse(req.ID, err))
			return
		}
		s.respond(c, okResponse(req.ID, result))
	}()
}

func (s *Server) respond(c *conn, res *Response) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("marshal rpc response", "error", err)
		return
	}
	s.hub.enqueue(c, data)
}
