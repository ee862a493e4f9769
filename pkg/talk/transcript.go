package talk

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one line of a conversation.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// DefaultMaxTurns bounds a transcript created with a non-positive limit.
const DefaultMaxTurns = 200

// Transcript keeps the most recent turns of a session. Consecutive
// assistant_text fragments of one reply are joined into a single turn.
type Transcript struct {
	mu       sync.Mutex
	turns    []Turn
	maxTurns int
	open     bool
}

func NewTranscript(maxTurns int) *Transcript {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Transcript{maxTurns: maxTurns}
}

// AddUser records what the user said. Empty text is ignored.
func (t *Transcript) AddUser(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.appendLocked(Turn{Role: RoleUser, Content: text, At: time.Now()})
}

// AddAssistant appends text to the current assistant reply, starting one
// if needed.
func (t *Transcript) AddAssistant(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open && len(t.turns) > 0 {
		last := &t.turns[len(t.turns)-1]
		last.Content += " " + text
		return
	}
	t.open = true
	t.appendLocked(Turn{Role: RoleAssistant, Content: text, At: time.Now()})
}

// EndReply closes the current assistant reply.
func (t *Transcript) EndReply() {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
}

func (t *Transcript) appendLocked(turn Turn) {
	t.turns = append(t.turns, turn)
	if len(t.turns) > t.maxTurns {
		t.turns = append(t.turns[:0:0], t.turns[len(t.turns)-t.maxTurns:]...)
	}
}

func (t *Transcript) Turns() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Turn(nil), t.turns...)
}

// Last returns the most recent turn with the given role.
func (t *Transcript) Last(role string) (Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.turns) - 1; i >= 0; i-- {
		if t.turns[i].Role == role {
			return t.turns[i], true
		}
	}
	return Turn{}, false
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

func (t *Transcript) Clear() {
	t.mu.Lock()
	t.turns = nil
	t.open = false
	t.mu.Unlock()
}

// Export writes the transcript to path as indented JSON.
func (t *Transcript) Export(path string) error {
	data, err := json.MarshalIndent(t.Turns(), "", "  ")
	if err != nil {
		return WrapError(err, ErrCodeJSONParse, "encode transcript")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return WrapError(err, ErrCodeConfigInvalid, "write transcript "+path)
	}
	return nil
}

// Import replaces the transcript with the turns stored at path.
func (t *Transcript) Import(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapError(err, ErrCodeConfigInvalid, "read transcript "+path)
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return WrapError(err, ErrCodeJSONParse, "decode transcript "+path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = nil
	t.open = false
	for _, turn := range turns {
		t.appendLocked(turn)
	}
	return nil
}
