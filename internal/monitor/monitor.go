package monitor

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/fcurrie/jpio-golang/pkg/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Snapshot is one reading of a peripheral's registers
type Snapshot struct {
	Peripheral string    `json:"peripheral"`
	Time       time.Time `json:"time"`
	Registers  []uint32  `json:"registers"`
}

// Source supplies register windows. A *registry.Registry satisfies it.
type Source interface {
	Window(name string) (*registry.Window, error)
}

// Server streams register snapshots over websockets
type Server struct {
	src      Source
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewServer creates a server sampling src every interval
func NewServer(src Source, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Server{
		src:      src,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the HTTP handler serving /health and /registers
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/registers", s.serveRegisters)
	return mux
}

func (s *Server) serveRegisters(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("peripheral")
	win, err := s.src.Window(name)
	switch {
	case errors.Is(err, registry.ErrUnknownPeripheral):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	log.Printf("Streaming %s registers to %s", name, r.RemoteAddr)

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, win, done)
}

// readPump discards client messages and closes done when the client goes
// away.
func (s *Server) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}
	}
}

// writePump sends a snapshot every interval until the client disconnects
// or the window closes.
func (s *Server) writePump(conn *websocket.Conn, win *registry.Window, done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
		conn.Close()
	}()

	send := func() bool {
		regs, err := win.Registers()
		if err != nil {
			log.Printf("Stopping %s stream: %v", win.Name(), err)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		snap := Snapshot{Peripheral: win.Name(), Time: time.Now(), Registers: regs}
		return conn.WriteJSON(snap) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
