package testing

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP implements http.Handler by upgrading every request.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// ServeWS serves the hub over websocket so real clients can connect to it.
// Requests on one socket are handled in order.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.connect()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.ServeWS",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		c.Close()
		return
	}
	ws.SetReadLimit(limits.MaxFrameSize)

	logrus.WithFields(logrus.Fields{
		"function": "Hub.ServeWS",
		"remote":   r.RemoteAddr,
	}).Info("Simulated hub accepted websocket client")

	s := &wsSession{hub: h, conn: c, ws: ws}
	go s.forward()
	s.serve()
}

type wsSession struct {
	hub     *Hub
	conn    *hubConn
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSession) serve() {
	defer s.conn.Close()
	defer s.ws.Close()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil || f.Type != protocol.FrameRequest {
			logrus.WithFields(logrus.Fields{
				"function": "wsSession.serve",
				"user_id":  s.conn.userID,
			}).Warn("Ignoring malformed client frame")
			continue
		}

		ack := protocol.Frame{Type: protocol.FrameAck, ID: f.ID}
		payload, err := s.hub.handle(s.conn, f.Event, f.Payload)
		if err != nil {
			perr, ok := protocol.AsError(err)
			if !ok {
				// Dropped connection: nothing is acknowledged.
				return
			}
			ack.Error = perr
		} else {
			ack.Payload = payload
		}
		if err := s.write(ack); err != nil {
			return
		}
	}
}

// forward relays pushes until the hub closes the connection.
func (s *wsSession) forward() {
	for ev := range s.conn.events {
		if err := s.write(protocol.Frame{Type: protocol.FrameEvent, Event: ev.Name, Payload: ev.Payload}); err != nil {
			break
		}
	}
	s.ws.Close()
}

func (s *wsSession) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
