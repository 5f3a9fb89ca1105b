package display

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"image"
	"image/jpeg"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/httputil"
	"github.com/banshee-data/autopilot/internal/monitoring"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	mjpegBoundary = "autopilotframe"
)

// DefaultQuality is the JPEG quality used when HubOptions leaves it unset.
const DefaultQuality = 75

// HubOptions configures a Hub.
type HubOptions struct {
	Quality int
	// StatusInterval is how often websocket clients receive a Status.
	StatusInterval time.Duration
}

type channelState struct {
	src     image.Image
	jpeg    []byte
	shown   uint64
	updated time.Time
	// ready is closed and replaced whenever a new frame is stored.
	ready chan struct{}
}

// ChannelStatus describes one display channel.
type ChannelStatus struct {
	Name    string    `json:"name"`
	Shown   uint64    `json:"shown"`
	Updated time.Time `json:"updated"`
}

// Status is broadcast to websocket clients.
type Status struct {
	Type     string          `json:"type"`
	At       time.Time       `json:"at"`
	Channels []ChannelStatus `json:"channels"`
	Extra    map[string]any  `json:"extra,omitempty"`
}

// Hub is a Sink that serves each channel's latest frame over HTTP, as a
// single JPEG or an MJPEG stream, and pushes channel status over a
// websocket.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[string]*channelState

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*sync.Mutex

	// ExtraStatus, if set, is merged into every websocket Status.
	ExtraStatus func() map[string]any
}

// NewHub returns an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		channels: make(map[string]*channelState),
		clients:  make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Show encodes img as JPEG and makes it the channel's latest frame.
func (h *Hub) Show(channel string, img image.Image) error {
	h.mu.Lock()
	if st := h.channel(channel); st.src == img {
		// same frame again: count it, keep the encoded copy
		st.shown++
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.opts.Quality}); err != nil {
		return fmt.Errorf("encode %s frame: %w", channel, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.channel(channel)
	st.src = img
	st.jpeg = buf.Bytes()
	st.shown++
	st.updated = time.Now()
	close(st.ready)
	st.ready = make(chan struct{})
	return nil
}

// channel returns the named channel, creating it. h.mu must be held.
func (h *Hub) channel(name string) *channelState {
	st, ok := h.channels[name]
	if !ok {
		st = &channelState{ready: make(chan struct{})}
		h.channels[name] = st
	}
	return st
}

// latest returns the channel's current JPEG and a channel closed when it is
// replaced. The JPEG is nil if nothing has been shown yet.
func (h *Hub) latest(name string) ([]byte, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.channel(name)
	return st.jpeg, st.ready
}

// Channels returns the status of every channel, sorted by name.
func (h *Hub) Channels() []ChannelStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChannelStatus, 0, len(h.channels))
	for name, st := range h.channels {
		if st.shown == 0 {
			continue
		}
		out = append(out, ChannelStatus{Name: name, Shown: st.shown, Updated: st.updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterRoutes serves the display endpoints on mux.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /channels", h.handleChannels)
	mux.HandleFunc("GET /frame/{file}", h.handleFrame)
	mux.HandleFunc("GET /stream/{channel}", h.handleStream)
	mux.HandleFunc("/ws", h.handleWS)
}

func (h *Hub) handleChannels(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.Channels())
}

func (h *Hub) handleFrame(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(r.PathValue("file"), ".jpg")
	if !ok {
		httputil.NotFound(w, "frames are served as <channel>.jpg")
		return
	}
	frame, _ := h.latest(name)
	if frame == nil {
		httputil.NotFound(w, "no frame on channel "+name)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(frame)
}

// handleStream writes every new frame on the channel as one part of a
// multipart/x-mixed-replace response until the client goes away.
func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		frame, ready := h.latest(name)
		if frame != nil {
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
				mjpegBoundary, len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-ready:
		}
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	h.clientsMu.Lock()
	h.clients[conn] = writeMu
	h.clientsMu.Unlock()

	_ = writeJSON(conn, writeMu, h.status())

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer h.removeClient(conn)
		for {
			// clients only ever send control frames
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) status() Status {
	st := Status{Type: "status", At: time.Now(), Channels: h.Channels()}
	if h.ExtraStatus != nil {
		st.Extra = h.ExtraStatus()
	}
	return st
}

// Run broadcasts a Status to every websocket client each StatusInterval
// until ctx is done, then disconnects them.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.StatusInterval)
	defer ticker.Stop()
	defer h.closeClients()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.broadcast(h.status())
		}
	}
}

func (h *Hub) broadcast(payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		monitoring.Logf("[display] marshal status: %v", err)
		return
	}
	var stale []*websocket.Conn
	h.clientsMu.Lock()
	for conn, writeMu := range h.clients {
		if err := writeMessage(conn, writeMu, websocket.TextMessage, msg); err != nil {
			stale = append(stale, conn)
		}
	}
	h.clientsMu.Unlock()
	for _, conn := range stale {
		h.removeClient(conn)
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	delete(h.clients, conn)
	h.clientsMu.Unlock()
	conn.Close()
}

func (h *Hub) closeClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

var channelsTemplate = template.Must(template.New("channels").Parse(`<h2>Display channels</h2>
<ul>
{{range .}}<li><a href="/stream/{{.Name}}">{{.Name}}</a> shown={{.Shown}} updated={{.Updated.Format "15:04:05.000"}}</li>
{{else}}<li>no frames shown yet</li>
{{end}}</ul>`))

// AttachAdminRoutes adds a channel overview to the /debug/ pages.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("display", "display channels and live streams", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := channelsTemplate.Execute(&buf, h.Channels()); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	})
}
