package transport

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"spectra/internal/graph"
	"spectra/internal/log"
)

// wsFrame is the JSON shape sent to browser clients: the spectrum split
// into parallel frequency and magnitude arrays plus the frame metadata.
type wsFrame struct {
	Tick     uint64    `json:"tick"`
	Gen      uint64    `json:"gen"`
	Degraded bool      `json:"degraded"`
	Freqs    []float64 `json:"freqs"`
	Mags     []float64 `json:"mags"`
}

// wsControl is the message clients send upstream. A resize drives the
// graph's reconfiguration protocol.
type wsControl struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// WebSocketTransport broadcasts spectrum frames to connected WebSocket
// clients and forwards their resize messages to the graph.
type WebSocketTransport struct {
	addr      string
	onResize  func(width, height int)
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	closed    bool // guarded by clientsMu; broadcast is closed once set
	broadcast chan wsFrame
	server    *http.Server
}

// NewWebSocketTransport starts a WebSocket server on addr serving /ws.
// onResize, if non-nil, is invoked for every resize control message a
// client sends.
func NewWebSocketTransport(addr string, onResize func(width, height int)) *WebSocketTransport {
	wst := &WebSocketTransport{
		addr:     addr,
		onResize: onResize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // visualizer clients connect from file:// origins
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan wsFrame, 256),
	}

	wst.start()
	return wst
}

func (wst *WebSocketTransport) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wst.handleWebSocket)

	wst.server = &http.Server{
		Addr:    wst.addr,
		Handler: mux,
	}

	go func() {
		log.Infof("transport: WebSocket server listening on %s", wst.addr)
		if err := wst.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("transport: WebSocket server error: %v", err)
		}
	}()

	go wst.handleBroadcasts()
}

func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("transport: WebSocket upgrade error: %v", err)
		return
	}

	wst.clientsMu.Lock()
	wst.clients[conn] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	log.Infof("transport: WebSocket client connected, total: %d", total)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				wst.clientsMu.Lock()
				delete(wst.clients, conn)
				total := len(wst.clients)
				wst.clientsMu.Unlock()
				conn.Close()
				log.Infof("transport: WebSocket client disconnected, total: %d", total)
				return
			}

			var ctl wsControl
			if json.Unmarshal(data, &ctl) != nil {
				continue
			}
			if ctl.Type == "resize" && wst.onResize != nil {
				log.Debugf("transport: client resize to %dx%d", ctl.Width, ctl.Height)
				wst.onResize(ctl.Width, ctl.Height)
			}
		}
	}()
}

func (wst *WebSocketTransport) handleBroadcasts() {
	for data := range wst.broadcast {
		wst.clientsMu.Lock()
		for client := range wst.clients {
			if err := client.WriteJSON(data); err != nil {
				log.Warnf("transport: WebSocket write failed, dropping client: %v", err)
				client.Close()
				delete(wst.clients, client)
			}
		}
		wst.clientsMu.Unlock()
	}
}

// Send queues a frame for broadcast. A full queue drops the frame;
// spectrum data goes stale faster than it is worth retrying.
func (wst *WebSocketTransport) Send(frame graph.Frame) error {
	n := frame.Bins()
	msg := wsFrame{
		Tick:     frame.Tick,
		Gen:      uint64(frame.Gen),
		Degraded: frame.Degraded,
		Freqs:    make([]float64, n),
		Mags:     make([]float64, n),
	}
	for i := range n {
		msg.Freqs[i] = frame.Pairs[2*i]
		msg.Mags[i] = frame.Pairs[2*i+1]
	}

	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	if wst.closed {
		return nil
	}
	select {
	case wst.broadcast <- msg:
	default:
	}
	return nil
}

// Close shuts down the server, disconnects every client, and stops the
// broadcast goroutine. Safe to call more than once.
func (wst *WebSocketTransport) Close() error {
	wst.clientsMu.Lock()
	if wst.closed {
		wst.clientsMu.Unlock()
		return nil
	}
	wst.closed = true
	close(wst.broadcast)
	for client := range wst.clients {
		client.Close()
	}
	wst.clients = make(map[*websocket.Conn]bool)
	wst.clientsMu.Unlock()

	log.Infof("transport: closing WebSocket server")

	if wst.server != nil {
		return wst.server.Close()
	}
	return nil
}

var _ Transport = (*WebSocketTransport)(nil)
