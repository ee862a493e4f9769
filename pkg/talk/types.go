package talk

import (
	"sync"
	"time"
)

// WSToken is a signed handshake token.
type WSToken struct {
	Token     string
	ExpiresAt int64 // Unix timestamp in milliseconds
}

// ConnectionState enum
type ConnectionState string

const (
	ConnIdle       ConnectionState = "idle"
	ConnConnecting ConnectionState = "connecting"
	ConnOpen       ConnectionState = "open"
	ConnClosed     ConnectionState = "closed"
)

// RecordingState enum
type RecordingState string

const (
	NotReady   RecordingState = "not_ready"
	Idle       RecordingState = "idle"
	Recording  RecordingState = "recording"
	Processing RecordingState = "processing"
)

// ChannelStats counts frames seen by a DuplexChannel.
type ChannelStats struct {
	TextFramesReceived   int64
	BinaryFramesReceived int64
	Discarded            int64
	StructuredSent       int64
	BinarySent           int64
	Dropped              int64
}

// CaptureStats describes a recording session.
type CaptureStats struct {
	ChunksEmitted   int64
	BytesEmitted    int64
	SamplesCaptured int64
	EmptyIntervals  int64
	GatedFrames     int64
	StartedAt       time.Time
	StoppedAt       time.Time
}

// Voice describes one entry of the backend voice catalog.
type Voice struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Handler types
type (
	ConnectionHandler   func(ConnectionState)
	StateHandler        func(from, to RecordingState)
	TextHandler         func(text string)
	ErrorMessageHandler func(message string)
)

// emitter is a named, typed event with any number of listeners. Listeners
// run synchronously in registration order on the emitting goroutine.
type emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers []emitterEntry[T]
}

type emitterEntry[T any] struct {
	id int
	fn func(T)
}

// on registers fn and returns a function that removes it.
func (e *emitter[T]) on(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, emitterEntry[T]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.handlers {
			if h.id == id {
				e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	handlers := make([]func(T), len(e.handlers))
	for i, h := range e.handlers {
		handlers[i] = h.fn
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(v)
	}
}
