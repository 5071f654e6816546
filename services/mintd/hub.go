package mintd

import (
	"encoding/json"
	"log/slog"
	"sync"

	"spatters/core/preview"
	"spatters/core/session"
)

// Message kinds pushed to stream watchers.
const (
	MessageState   = "state"
	MessagePreview = "preview-load"
)

// StreamMessage is one frame on the session stream.
type StreamMessage struct {
	Type    string         `json:"type"`
	State   *session.State `json:"state,omitempty"`
	Preview *preview.Frame `json:"preview,omitempty"`
}

// PreviewHub fans session states and preview load frames out to stream
// watchers. Slow watchers drop frames rather than block the session.
type PreviewHub struct {
	logger *slog.Logger
	buffer int

	mu       sync.Mutex
	watchers map[int]chan []byte
	nextID   int
	last     []byte
	frame    []byte
}

// NewPreviewHub constructs a hub with a per-watcher buffer. The buffer holds
// at least the two replayed frames.
func NewPreviewHub(buffer int, logger *slog.Logger) *PreviewHub {
	if buffer <= 0 {
		buffer = 16
	}
	if buffer < 2 {
		buffer = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewHub{logger: logger, buffer: buffer, watchers: make(map[int]chan []byte)}
}

// Load implements preview.Loader.
func (h *PreviewHub) Load(frame preview.Frame) {
	data, err := json.Marshal(StreamMessage{Type: MessagePreview, Preview: &frame})
	if err != nil {
		h.logger.Warn("encode preview frame", slog.Any("error", err))
		return
	}
	h.mu.Lock()
	h.frame = data
	h.mu.Unlock()
	h.broadcast(data)
}

// Publish pushes a derived state to every watcher.
func (h *PreviewHub) Publish(st session.State) {
	data, err := json.Marshal(StreamMessage{Type: MessageState, State: &st})
	if err != nil {
		h.logger.Warn("encode session state", slog.Any("error", err))
		return
	}
	h.mu.Lock()
	h.last = data
	if st.Preview == nil {
		h.frame = nil
	}
	h.mu.Unlock()
	h.broadcast(data)
}

// Watch registers a watcher. The latest state and the frame on display are
// replayed first so late joiners render immediately.
func (h *PreviewHub) Watch() (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = ch
	for _, replay := range [][]byte{h.last, h.frame} {
		if replay == nil {
			continue
		}
		select {
		case ch <- replay:
		default:
		}
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Watchers returns the number of connected watchers.
func (h *PreviewHub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

func (h *PreviewHub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.watchers {
		select {
		case ch <- data:
		default:
			h.logger.Debug("stream watcher lagging, frame dropped", slog.Int("watcher", id))
		}
	}
}
