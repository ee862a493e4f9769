package talk

import "encoding/json"

// Inbound message discriminants.
const (
	MsgTranscription  = "transcription"
	MsgAssistantText  = "assistant_text"
	MsgAudioComplete  = "audio_complete"
	MsgPersonalityAck = "personality_ack"
	MsgError          = "error"
	MsgPong           = "pong"
)

// Outbound message discriminants.
const (
	MsgSetPersonality = "set_personality"
	MsgFlushAudio     = "flush_audio"
	MsgTextQuery      = "text_query"
	MsgPing           = "ping"
)

// StructuredEvent is a parsed text frame: a type discriminant plus the
// remaining named fields.
type StructuredEvent struct {
	Type   string
	Fields map[string]any
}

// ParseStructuredEvent decodes one text frame. Anything that is not a JSON
// object is rejected.
func ParseStructuredEvent(data []byte) (StructuredEvent, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return StructuredEvent{}, WrapError(err, ErrCodeJSONParse, "malformed structured frame")
	}
	if fields == nil {
		return StructuredEvent{}, NewTalkError("structured frame is not an object", ErrCodeJSONParse)
	}
	t, _ := fields["type"].(string)
	return StructuredEvent{Type: t, Fields: fields}, nil
}

// String returns the named field when it holds a string.
func (e StructuredEvent) String(name string) string {
	s, _ := e.Fields[name].(string)
	return s
}

func (e StructuredEvent) Text() string { return e.String("text") }

func (e StructuredEvent) Message() string { return e.String("message") }

func (e StructuredEvent) VoiceID() string { return e.String("voice_id") }

// ControlMessage is the outbound structured message shape.
type ControlMessage struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id,omitempty"`
	Text    string `json:"text,omitempty"`
}

func SetPersonalityMessage(voiceID string) ControlMessage {
	return ControlMessage{Type: MsgSetPersonality, VoiceID: voiceID}
}

func FlushAudioMessage() ControlMessage {
	return ControlMessage{Type: MsgFlushAudio}
}

func TextQueryMessage(text string) ControlMessage {
	return ControlMessage{Type: MsgTextQuery, Text: text}
}

func PingMessage() ControlMessage {
	return ControlMessage{Type: MsgPing}
}
