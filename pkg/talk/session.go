package talk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport a Session drives. DuplexChannel implements it.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error
	State() ConnectionState
	SendStructured(msg any) error
	SendBinary(chunk []byte) error
	OnOpen(fn func()) func()
	OnClose(fn func(err error)) func()
	OnStructured(fn func(StructuredEvent)) func()
	OnAudio(fn func([]byte)) func()
}

// Recorder produces capture chunks. CaptureSource implements it.
type Recorder interface {
	Init(ctx context.Context) error
	Start() error
	Stop() error
	Close() error
}

// Player plays received segments. PlaybackScheduler implements it.
type Player interface {
	Init(ctx context.Context) error
	Play(segment []byte) error
	StopAll()
	Close() error
}

// VoiceCatalog lists the voices the backend can speak with.
type VoiceCatalog interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// SessionOption customizes NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger      *Logger
	channel     Channel
	newRecorder func(sink func([]byte)) Recorder
	player      Player
	catalog     VoiceCatalog
}

func WithLogger(l *Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

func WithChannel(ch Channel) SessionOption {
	return func(o *sessionOptions) { o.channel = ch }
}

// WithRecorder replaces the capture source. newRecorder receives the sink
// that forwards chunks to the channel.
func WithRecorder(newRecorder func(sink func([]byte)) Recorder) SessionOption {
	return func(o *sessionOptions) { o.newRecorder = newRecorder }
}

func WithPlayer(p Player) SessionOption {
	return func(o *sessionOptions) { o.player = p }
}

func WithVoiceCatalog(c VoiceCatalog) SessionOption {
	return func(o *sessionOptions) { o.catalog = c }
}

type stateChange struct {
	from, to RecordingState
}

// Session is the push-to-talk controller. It owns a channel, a recorder and
// a player, routes chunks and segments between them and tracks the
// recording state:
//
//	not_ready -> idle -> recording -> processing -> idle
type Session struct {
	id       string
	cfg      *Config
	logger   *Logger
	channel  Channel
	recorder Recorder
	player   Player
	catalog  VoiceCatalog

	transcript *Transcript

	// opMu serializes user intents (press, release, dispose) and the flush.
	opMu sync.Mutex

	mu            sync.Mutex
	state         RecordingState
	voiceID       string
	voices        []Voice
	flushTimer    *time.Timer
	responseTimer *time.Timer
	offs          []func()

	stateEv         emitter[stateChange]
	connectionEv    emitter[ConnectionState]
	transcriptionEv emitter[string]
	assistantEv     emitter[string]
	voiceEv         emitter[string]
	errorEv         emitter[string]
}

// NewSession builds a session from cfg. Components not supplied through
// options are created from cfg.Audio and cfg's endpoints.
func NewSession(cfg *Config, opts ...SessionOption) (*Session, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg.LogConfig())
	}
	logger = logger.WithField("session", id)

	s := &Session{
		id:         id,
		cfg:        cfg,
		logger:     logger.WithComponent("session"),
		state:      NotReady,
		transcript: NewTranscript(DefaultMaxTurns),
	}

	codec := ""
	if o.newRecorder != nil {
		s.recorder = o.newRecorder(s.sendChunk)
	} else {
		enc, err := ProbeEncoder(cfg.Audio, logger)
		if err != nil {
			return nil, err
		}
		codec = enc.Format()
		s.recorder = NewCaptureSource(cfg.Audio, nil, enc, s.sendChunk, logger)
	}

	var tokens *TokenSource
	if o.channel != nil {
		s.channel = o.channel
	} else {
		cc, err := ChannelConfigFromConfig(cfg, id, codec)
		if err != nil {
			return nil, err
		}
		tokens = cc.Tokens
		s.channel = NewDuplexChannel(cc, logger)
	}

	if o.player != nil {
		s.player = o.player
	} else {
		dev, err := NewOutputDevice(cfg.Audio, logger)
		if err != nil {
			return nil, err
		}
		s.player = NewPlaybackScheduler(NewRenderer(dev, cfg.Audio.OutputSampleRate, logger), logger)
	}

	if o.catalog != nil {
		s.catalog = o.catalog
	} else {
		s.catalog = NewAPIClientFromConfig(cfg, tokens)
	}

	s.offs = append(s.offs,
		s.channel.OnOpen(s.handleOpen),
		s.channel.OnClose(s.handleClose),
		s.channel.OnStructured(s.handleEvent),
		s.channel.OnAudio(s.handleAudio),
	)
	return s, nil
}

// ID is the session's UUID, also sent to the server on connect.
func (s *Session) ID() string { return s.id }

func (s *Session) State() RecordingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConnectionState() ConnectionState {
	return s.channel.State()
}

// VoiceID is the voice most recently selected or acknowledged.
func (s *Session) VoiceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceID
}

// Transcript records the conversation as transcriptions and replies
// arrive.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Voices returns the catalog fetched on the last connect.
func (s *Session) Voices() []Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...)
}

// Init prepares playback and capture. On success the session becomes idle;
// on failure it stays not_ready and the error is returned.
func (s *Session) Init(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != NotReady {
		return nil
	}
	if err := s.player.Init(ctx); err != nil {
		s.logger.WithError(err).Error("Playback initialization failed")
		return err
	}
	if err := s.recorder.Init(ctx); err != nil {
		s.logger.WithError(err).Error("Capture initialization failed")
		return err
	}
	s.transition(NotReady, Idle, "init")
	return nil
}

// Connect opens the channel. Connection state is independent of the
// recording state.
func (s *Session) Connect(ctx context.Context) error {
	return s.channel.Connect(ctx)
}

// Press begins recording. It is ignored unless the session is idle. Queued
// assistant speech is discarded first.
func (s *Session) Press() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st != Idle {
		s.logger.WithField("state", st).Debug("Ignoring press")
		return nil
	}

	s.player.StopAll()
	s.transcript.EndReply()
	if err := s.recorder.Start(); err != nil {
		s.logger.WithError(err).Error("Failed to start capture")
		return err
	}
	s.transition(Idle, Recording, "press")
	return nil
}

// Release ends recording. The end-of-utterance message follows after the
// configured flush delay.
func (s *Session) Release() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != Recording {
		return nil
	}

	err := s.recorder.Stop()
	if err != nil {
		s.logger.WithError(err).Warn("Capture did not stop cleanly")
	}
	s.transition(Recording, Processing, "release")

	s.mu.Lock()
	s.flushTimer = time.AfterFunc(s.cfg.FlushDelay, s.sendFlush)
	s.mu.Unlock()
	return err
}

// sendFlush runs on the flush timer. It holds opMu so a Press cannot start
// a new recording between the state check and the send.
func (s *Session) sendFlush() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != Processing {
		return
	}
	if s.channel.State() != ConnOpen {
		if s.transition(Processing, Idle, "not_connected") {
			s.errorEv.emit("not connected")
		}
		return
	}
	if err := s.channel.SendStructured(FlushAudioMessage()); err != nil {
		s.logger.WithError(err).Error("Failed to send flush")
		if s.transition(Processing, Idle, "flush_failed") {
			s.errorEv.emit(err.Error())
		}
		return
	}

	s.mu.Lock()
	if s.state == Processing && s.cfg.ResponseTimeout > 0 {
		s.responseTimer = time.AfterFunc(s.cfg.ResponseTimeout, func() {
			if s.transition(Processing, Idle, "response_timeout") {
				s.errorEv.emit("no response from server")
			}
		})
	}
	s.mu.Unlock()
}

// SendText sends a typed query and records it as a user turn. Blank text
// is ignored.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.channel.State() != ConnOpen {
		return nil
	}
	if err := s.channel.SendStructured(TextQueryMessage(text)); err != nil {
		return err
	}
	s.transcript.AddUser(text)
	return nil
}

// SetVoice selects the voice for subsequent replies.
func (s *Session) SetVoice(voiceID string) error {
	if voiceID == "" {
		return NewConfigError("voice id must not be empty")
	}
	s.mu.Lock()
	s.voiceID = voiceID
	s.mu.Unlock()
	return s.channel.SendStructured(SetPersonalityMessage(voiceID))
}

// Ping sends an application-level ping; the server answers with pong.
func (s *Session) Ping() error {
	return s.channel.SendStructured(PingMessage())
}

// Dispose tears the session down. It is safe to call more than once.
func (s *Session) Dispose() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.stopTimersLocked()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	var errs []error
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	s.player.StopAll()
	if err := s.player.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, off := range offs {
		off()
	}

	s.mu.Lock()
	from := s.state
	s.state = NotReady
	s.mu.Unlock()
	if from != NotReady {
		s.logger.LogStateChange(from, NotReady, "dispose")
		s.stateEv.emit(stateChange{from: from, to: NotReady})
	}
	return errors.Join(errs...)
}

// transition moves from one state to another and reports whether it did.
func (s *Session) transition(from, to RecordingState, trigger string) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to != Processing {
		s.stopTimersLocked()
	}
	s.mu.Unlock()

	s.logger.LogStateChange(from, to, trigger)
	s.stateEv.emit(stateChange{from: from, to: to})
	return true
}

func (s *Session) stopTimersLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *Session) sendChunk(chunk []byte) {
	if s.cfg.DebugAudio {
		s.logger.LogAudioEvent("chunk", map[string]interface{}{"bytes": len(chunk)})
	}
	if err := s.channel.SendBinary(chunk); err != nil {
		s.logger.WithError(err).Warn("Failed to send chunk")
	}
}

func (s *Session) handleAudio(segment []byte) {
	if err := s.player.Play(segment); err != nil {
		s.logger.WithError(err).Warn("Failed to play segment")
	}
}

func (s *Session) handleEvent(ev StructuredEvent) {
	switch ev.Type {
	case MsgTranscription:
		text := ev.Text()
		s.transcript.AddUser(text)
		s.transcriptionEv.emit(text)
		// The server sends nothing else when it recognized no speech.
		if text == "" {
			s.transition(Processing, Idle, "empty_transcription")
		}
	case MsgAssistantText:
		s.transcript.AddAssistant(ev.Text())
		s.assistantEv.emit(ev.Text())
	case MsgAudioComplete:
		s.transcript.EndReply()
		s.transition(Processing, Idle, MsgAudioComplete)
	case MsgPersonalityAck:
		if id := ev.VoiceID(); id != "" {
			s.mu.Lock()
			s.voiceID = id
			s.mu.Unlock()
			s.voiceEv.emit(id)
		}
	case MsgError:
		msg := ev.Message()
		s.logger.WithField("message", msg).Warn("Server reported an error")
		s.errorEv.emit(msg)
		s.transition(Processing, Idle, MsgError)
	case MsgPong:
		s.logger.Debug("Pong received")
	default:
		s.logger.WithField("type", ev.Type).Debug("Ignoring unknown message type")
	}
}

func (s *Session) handleOpen() {
	s.connectionEv.emit(ConnOpen)
	go s.announceVoice()
}

func (s *Session) handleClose(err error) {
	s.connectionEv.emit(ConnClosed)
	if s.transition(Processing, Idle, "connection_closed") {
		s.errorEv.emit("connection closed")
	}
}

// announceVoice re-sends the selected voice after a connect, or picks one
// from the catalog when none has been chosen yet.
func (s *Session) announceVoice() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	voices, err := s.catalog.ListVoices(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load voices")
	}

	s.mu.Lock()
	if err == nil {
		s.voices = voices
	}
	id := s.voiceID
	s.mu.Unlock()

	if id == "" {
		id = SelectVoice(voices, s.cfg.DefaultVoice)
	}
	if id == "" {
		id = s.cfg.DefaultVoice
	}
	if id == "" {
		return
	}
	if err := s.SetVoice(id); err != nil {
		s.logger.WithError(err).Warn("Failed to announce voice")
	}
}

// OnStateChange registers a handler for recording state transitions.
func (s *Session) OnStateChange(fn StateHandler) func() {
	return s.stateEv.on(func(c stateChange) { fn(c.from, c.to) })
}

func (s *Session) OnConnection(fn ConnectionHandler) func() {
	return s.connectionEv.on(fn)
}

func (s *Session) OnTranscription(fn TextHandler) func() {
	return s.transcriptionEv.on(fn)
}

func (s *Session) OnAssistantText(fn TextHandler) func() {
	return s.assistantEv.on(fn)
}

func (s *Session) OnVoiceChanged(fn TextHandler) func() {
	return s.voiceEv.on(fn)
}

// OnError registers a handler for user-facing error messages, including
// those reported by the server.
func (s *Session) OnError(fn ErrorMessageHandler) func() {
	return s.errorEv.on(fn)
}
