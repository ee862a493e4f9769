// Package talk implements the client side of a push-to-talk voice assistant.
//
// # Overview
//
// A Session ties four parts together:
//   - a DuplexChannel carrying JSON control messages and binary audio over one WebSocket
//   - a CaptureSource that records the microphone and emits encoded chunks every interval
//   - a PlaybackScheduler that queues reply audio back to back in arrival order
//   - the push-to-talk state machine (not_ready, idle, recording, processing)
//
// # Quick Start
//
//	cfg, err := talk.LoadConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	session, err := talk.NewSession(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Dispose()
//
//	session.OnAssistantText(func(text string) { fmt.Println(text) })
//
//	if err := session.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := session.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	session.Press()
//	time.Sleep(3 * time.Second)
//	session.Release()
//
// # Configuration
//
// LoadConfig reads defaults, an optional YAML file, a .env file and VOCALS_*
// environment variables, in that order:
//
//	VOCALS_WS_ENDPOINT=ws://localhost:8000/ws
//	VOCALS_API_BASE_URL=http://localhost:8000
//	VOCALS_AUDIO_BACKEND=miniaudio
//
// # Audio Backends
//
// Devices are opened through portaudio or miniaudio (malgo), selected by
// AudioConfig.Backend. Captured audio is sent as Opus frames when the codec
// is available and as raw PCM otherwise.
//
// # Structured Logging
//
//	logConfig := talk.DefaultLogConfig()
//	logConfig.Level = "debug"
//	talk.SetGlobalLogger(talk.NewLogger(logConfig))
//
// # Error Handling
//
// Errors returned by the package are *TalkError values carrying a code:
//
//	if errors.Is(err, talk.ErrDeviceUnavailable) {
//		// no microphone
//	}
//	if talk.IsRetryableError(err) {
//		// reconnect
//	}
package talk
