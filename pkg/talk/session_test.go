package talk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu         sync.Mutex
	state      ConnectionState
	structured []ControlMessage
	binary     [][]byte
	closed     bool

	openEv       emitter[struct{}]
	closeEv      emitter[error]
	structuredEv emitter[StructuredEvent]
	audioEv      emitter[[]byte]
}

func newFakeChannel() *fakeChannel { return &fakeChannel{state: ConnIdle} }

func (c *fakeChannel) Connect(context.Context) error {
	c.mu.Lock()
	c.state = ConnOpen
	c.mu.Unlock()
	c.openEv.emit(struct{}{})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// drop simulates the server going away.
func (c *fakeChannel) drop() {
	c.mu.Lock()
	c.state = ConnClosed
	c.mu.Unlock()
	c.closeEv.emit(errors.New("connection lost"))
}

func (c *fakeChannel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SendStructured(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConnOpen {
		return nil
	}
	c.structured = append(c.structured, msg.(ControlMessage))
	return nil
}

func (c *fakeChannel) SendBinary(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConnOpen {
		return nil
	}
	c.binary = append(c.binary, chunk)
	return nil
}

func (c *fakeChannel) OnOpen(fn func()) func() {
	return c.openEv.on(func(struct{}) { fn() })
}

func (c *fakeChannel) OnClose(fn func(error)) func()                { return c.closeEv.on(fn) }
func (c *fakeChannel) OnStructured(fn func(StructuredEvent)) func() { return c.structuredEv.on(fn) }
func (c *fakeChannel) OnAudio(fn func([]byte)) func()               { return c.audioEv.on(fn) }

func (c *fakeChannel) receive(t *testing.T, raw string) {
	t.Helper()
	ev, err := ParseStructuredEvent([]byte(raw))
	require.NoError(t, err)
	c.structuredEv.emit(ev)
}

func (c *fakeChannel) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.structured))
	for i, m := range c.structured {
		types[i] = m.Type
	}
	return types
}

func (c *fakeChannel) sent() []ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ControlMessage(nil), c.structured...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	sink    func([]byte)
	initErr error
	active  bool
	starts  int
	closed  bool
}

func (r *fakeRecorder) Init(context.Context) error { return r.initErr }

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.starts++
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	active := r.active
	r.active = false
	r.mu.Unlock()
	if active {
		r.sink([]byte("tail"))
	}
	return nil
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Stop()
}

type fakePlayer struct {
	mu       sync.Mutex
	segments [][]byte
	stopAlls int
	closed   bool
}

func (p *fakePlayer) Init(context.Context) error { return nil }

func (p *fakePlayer) Play(segment []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = append(p.segments, segment)
	return nil
}

func (p *fakePlayer) StopAll() {
	p.mu.Lock()
	p.stopAlls++
	p.mu.Unlock()
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeCatalog struct {
	voices []Voice
	err    error
}

func (c fakeCatalog) ListVoices(context.Context) ([]Voice, error) { return c.voices, c.err }

type sessionHarness struct {
	session *Session
	channel *fakeChannel
	rec     *fakeRecorder
	player  *fakePlayer

	mu      sync.Mutex
	states  []RecordingState
	errs    []string
	texts   []string
	replies []string
}

func newSessionHarness(t *testing.T, cfg *Config, catalog VoiceCatalog) *sessionHarness {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.FlushDelay = 10 * time.Millisecond
	}
	if catalog == nil {
		catalog = fakeCatalog{voices: []Voice{{ID: "nova"}, {ID: "echo"}}}
	}
	h := &sessionHarness{
		channel: newFakeChannel(),
		rec:     &fakeRecorder{},
		player:  &fakePlayer{},
	}
	s, err := NewSession(cfg,
		WithLogger(NewNopLogger()),
		WithChannel(h.channel),
		WithRecorder(func(sink func([]byte)) Recorder {
			h.rec.sink = sink
			return h.rec
		}),
		WithPlayer(h.player),
		WithVoiceCatalog(catalog),
	)
	require.NoError(t, err)
	h.session = s

	s.OnStateChange(func(_, to RecordingState) {
		h.mu.Lock()
		h.states = append(h.states, to)
		h.mu.Unlock()
	})
	s.OnError(func(msg string) {
		h.mu.Lock()
		h.errs = append(h.errs, msg)
		h.mu.Unlock()
	})
	s.OnTranscription(func(text string) {
		h.mu.Lock()
		h.texts = append(h.texts, text)
		h.mu.Unlock()
	})
	s.OnAssistantText(func(text string) {
		h.mu.Lock()
		h.replies = append(h.replies, text)
		h.mu.Unlock()
	})
	t.Cleanup(func() { _ = s.Dispose() })
	return h
}

func (h *sessionHarness) errors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errs...)
}

func (h *sessionHarness) waitState(t *testing.T, want RecordingState) {
	t.Helper()
	assert.Eventually(t, func() bool { return h.session.State() == want }, time.Second, 5*time.Millisecond,
		"state %s, want %s", h.session.State(), want)
}

// ready initializes, connects and waits for the voice announcement.
func (h *sessionHarness) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Init(context.Background()))
	require.NoError(t, h.session.Connect(context.Background()))
	assert.Eventually(t, func() bool { return len(h.channel.sentTypes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionPushToTalkRoundTrip(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	s := h.session
	assert.Equal(t, NotReady, s.State())
	assert.NotEmpty(t, s.ID())

	h.ready(t)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, []ControlMessage{SetPersonalityMessage("nova")}, h.channel.sent())
	assert.Equal(t, "nova", s.VoiceID())
	assert.Len(t, s.Voices(), 2)

	require.NoError(t, s.Press())
	assert.Equal(t, Recording, s.State())
	assert.Equal(t, 1, h.player.stopAlls)

	h.rec.sink([]byte("chunk-1"))
	h.rec.sink([]byte("chunk-2"))

	require.NoError(t, s.Release())
	assert.Equal(t, Processing, s.State())
	assert.Eventually(t, func() bool {
		types := h.channel.sentTypes()
		return len(types) == 2 && types[1] == MsgFlushAudio
	}, time.Second, 5*time.Millisecond)

	h.channel.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("chunk-1"), []byte("chunk-2"), []byte("tail")}, h.channel.binary)
	h.channel.mu.Unlock()

	h.channel.receive(t, `{"type":"transcription","text":"what's the weather"}`)
	assert.Equal(t, Processing, s.State())
	h.channel.receive(t, `{"type":"assistant_text","text":"Sunny."}`)
	h.channel.audioEv.emit([]byte("segment-1"))
	h.channel.audioEv.emit([]byte("segment-2"))
	h.channel.receive(t, `{"type":"audio_complete"}`)

	assert.Equal(t, Idle, s.State())
	h.mu.Lock()
	assert.Equal(t, []RecordingState{Idle, Recording, Processing, Idle}, h.states)
	assert.Equal(t, []string{"what's the weather"}, h.texts)
	assert.Equal(t, []string{"Sunny."}, h.replies)
	assert.Empty(t, h.errs)
	h.mu.Unlock()

	h.player.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("segment-1"), []byte("segment-2")}, h.player.segments)
	h.player.mu.Unlock()

	turns := s.Transcript().Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{Role: RoleUser, Content: "what's the weather", At: turns[0].At}, turns[0])
	assert.Equal(t, "Sunny.", turns[1].Content)
}

func TestSessionPressIgnoredUnlessIdle(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	s := h.session

	require.NoError(t, s.Press())
	assert.Equal(t, NotReady, s.State())
	assert.Equal(t, 0, h.rec.starts)

	h.ready(t)
	require.NoError(t, s.Press())
	require.NoError(t, s.Press())
	assert.Equal(t, 1, h.rec.starts)

	require.NoError(t, s.Release())
	require.NoError(t, s.Press())
	assert.Equal(t, Processing, s.State())
	assert.Equal(t, 1, h.rec.starts)
}

func TestSessionReleaseIgnoredUnlessRecording(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)

	require.NoError(t, h.session.Release())
	assert.Equal(t, Idle, h.session.State())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{MsgSetPersonality}, h.channel.sentTypes())
}

func TestSessionInitFailureStaysNotReady(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.rec.initErr = NewDeviceUnavailableError("mic", errors.New("denied"))

	err := h.session.Init(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, NotReady, h.session.State())
}

func TestSessionReleaseWhileDisconnected(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	require.NoError(t, h.session.Init(context.Background()))

	require.NoError(t, h.session.Press())
	require.NoError(t, h.session.Release())
	h.waitState(t, Idle)

	assert.Equal(t, []string{"not connected"}, h.errors())
	assert.Empty(t, h.channel.sentTypes())
}

func TestSessionServerErrorReturnsToIdle(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)
	require.NoError(t, h.session.Press())
	require.NoError(t, h.session.Release())

	h.channel.receive(t, `{"type":"error","message":"speech service unavailable"}`)
	assert.Equal(t, Idle, h.session.State())
	assert.Equal(t, []string{"speech service unavailable"}, h.errors())

	// An error while idle is reported without a transition.
	h.channel.receive(t, `{"type":"error","message":"late"}`)
	assert.Equal(t, Idle, h.session.State())
	assert.Len(t, h.errors(), 2)
}

func TestSessionEmptyTranscriptionReturnsToIdle(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)
	require.NoError(t, h.session.Press())
	require.NoError(t, h.session.Release())

	h.channel.receive(t, `{"type":"transcription","text":""}`)
	assert.Equal(t, Idle, h.session.State())
}

func TestSessionIgnoresUnknownMessages(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)
	require.NoError(t, h.session.Press())
	require.NoError(t, h.session.Release())

	h.channel.receive(t, `{"type":"foo","payload":1}`)
	h.channel.receive(t, `{"type":"pong"}`)
	assert.Equal(t, Processing, h.session.State())
	assert.Empty(t, h.errors())
}

func TestSessionConnectionLossDuringProcessing(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)

	var conn []ConnectionState
	h.session.OnConnection(func(s ConnectionState) { conn = append(conn, s) })

	require.NoError(t, h.session.Press())
	require.NoError(t, h.session.Release())
	h.channel.drop()

	assert.Equal(t, Idle, h.session.State())
	assert.Equal(t, []string{"connection closed"}, h.errors())
	assert.Equal(t, []ConnectionState{ConnClosed}, conn)
}

func TestSessionResponseTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushDelay = time.Millisecond
	cfg.ResponseTimeout = 30 * time.Millisecond
	h := newSessionHarness(t, cfg, nil)
	h.ready(t)

	require.NoError(t, h.session.Press())
	require.NoError(t, h.session.Release())
	h.waitState(t, Idle)
	assert.Equal(t, []string{"no response from server"}, h.errors())
}

func TestSessionVoiceSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultVoice = "echo"
	h := newSessionHarness(t, cfg, nil)

	var changed []string
	h.session.OnVoiceChanged(func(id string) { changed = append(changed, id) })

	h.ready(t)
	assert.Equal(t, []ControlMessage{SetPersonalityMessage("echo")}, h.channel.sent())

	require.NoError(t, h.session.SetVoice("nova"))
	h.channel.receive(t, `{"type":"personality_ack","voice_id":"nova"}`)
	assert.Equal(t, "nova", h.session.VoiceID())
	assert.Equal(t, []string{"nova"}, changed)

	assert.Error(t, h.session.SetVoice(""))
}

func TestSessionVoiceFallsBackWhenCatalogFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultVoice = "echo"
	h := newSessionHarness(t, cfg, fakeCatalog{err: errors.New("offline")})

	h.ready(t)
	assert.Equal(t, []ControlMessage{SetPersonalityMessage("echo")}, h.channel.sent())
	assert.Empty(t, h.session.Voices())
}

func TestSessionSendText(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)

	require.NoError(t, h.session.SendText("  hello there "))
	require.NoError(t, h.session.SendText("   "))
	require.NoError(t, h.session.Ping())

	sent := h.channel.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, TextQueryMessage("hello there"), sent[1])
	assert.Equal(t, PingMessage(), sent[2])
	assert.Equal(t, Idle, h.session.State())
}

func TestSessionTextQueriesEnterTranscript(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)

	require.NoError(t, h.session.SendText("hi"))
	h.channel.receive(t, `{"type":"assistant_text","text":"hi there"}`)
	require.NoError(t, h.session.SendText("how are you"))
	h.channel.receive(t, `{"type":"assistant_text","text":"fine"}`)

	turns := h.session.Transcript().Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, []string{RoleUser, RoleAssistant, RoleUser, RoleAssistant},
		[]string{turns[0].Role, turns[1].Role, turns[2].Role, turns[3].Role})
	assert.Equal(t, "how are you", turns[2].Content)
	assert.Equal(t, "fine", turns[3].Content)
}

func TestSessionTextQueryWhileDisconnectedIsNotRecorded(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	require.NoError(t, h.session.Init(context.Background()))

	require.NoError(t, h.session.SendText("anyone there"))
	assert.Empty(t, h.channel.sent())
	assert.Equal(t, 0, h.session.Transcript().Len())
}

func TestSessionStaleFlushDuringNextRecording(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)

	require.NoError(t, h.session.Press())
	// A flush timer that fired for an earlier turn must not end this one.
	h.session.sendFlush()

	assert.Equal(t, Recording, h.session.State())
	assert.NotContains(t, h.channel.sentTypes(), MsgFlushAudio)
	assert.Empty(t, h.errors())
}

func TestSessionDispose(t *testing.T) {
	h := newSessionHarness(t, nil, nil)
	h.ready(t)
	require.NoError(t, h.session.Press())

	require.NoError(t, h.session.Dispose())
	assert.Equal(t, NotReady, h.session.State())
	assert.True(t, h.rec.closed)
	assert.True(t, h.player.closed)
	assert.True(t, h.channel.closed)

	// Handlers are detached; late events change nothing.
	h.channel.receive(t, `{"type":"audio_complete"}`)
	assert.Equal(t, NotReady, h.session.State())
	require.NoError(t, h.session.Dispose())
}
