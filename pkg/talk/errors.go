package talk

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	ErrCodeAudioDevice       = "AUDIO_DEVICE_ERROR"
	ErrCodePlayback          = "PLAYBACK_ERROR"
	ErrCodeDecode            = "DECODE_ERROR"
	ErrCodeEncode            = "ENCODE_ERROR"
	ErrCodeConnectionFailed  = "CONNECTION_FAILED"
	ErrCodeWebSocket         = "WEBSOCKET_ERROR"
	ErrCodeJSONParse         = "JSON_PARSE_ERROR"
	ErrCodeNotInitialized    = "NOT_INITIALIZED"
	ErrCodeConfigInvalid     = "CONFIG_INVALID"
	ErrCodeTokenFailed       = "TOKEN_GENERATION_FAILED"
	ErrCodeAPI               = "API_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
)

var (
	// ErrDeviceUnavailable is matched by every error returned when an audio
	// device is missing or access to it is denied.
	ErrDeviceUnavailable = &TalkError{Code: ErrCodeDeviceUnavailable, Message: "audio device unavailable"}

	// ErrNotInitialized is returned by operations that need Init first.
	ErrNotInitialized = &TalkError{Code: ErrCodeNotInitialized, Message: "component not initialized"}
)

// TalkError carries a machine readable code alongside the message.
type TalkError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewTalkError(message, code string) *TalkError {
	return &TalkError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *TalkError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.err.Error())
	}
	return sb.String()
}

func (e *TalkError) Unwrap() error {
	return e.err
}

// Is reports whether target is a TalkError with the same code, so sentinels
// such as ErrDeviceUnavailable match any error of their kind.
func (e *TalkError) Is(target error) bool {
	var t *TalkError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// AddDetail attaches a key/value pair and returns the error for chaining.
func (e *TalkError) AddDetail(key string, value interface{}) *TalkError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WrapError wraps err under code. It returns nil for a nil err.
func WrapError(err error, code, message string) *TalkError {
	if err == nil {
		return nil
	}
	e := NewTalkError(message, code)
	e.err = err
	return e
}

func NewDeviceUnavailableError(device string, err error) *TalkError {
	e := WrapError(err, ErrCodeDeviceUnavailable, fmt.Sprintf("audio device %q unavailable", device))
	if e == nil {
		e = NewTalkError(fmt.Sprintf("audio device %q unavailable", device), ErrCodeDeviceUnavailable)
	}
	return e.AddDetail("device", device)
}

func NewAudioError(message string, err error) *TalkError {
	if err == nil {
		return NewTalkError(message, ErrCodeAudioDevice)
	}
	return WrapError(err, ErrCodeAudioDevice, message)
}

func NewPlaybackError(message string, err error) *TalkError {
	if err == nil {
		return NewTalkError(message, ErrCodePlayback)
	}
	return WrapError(err, ErrCodePlayback, message)
}

func NewDecodeError(message string) *TalkError {
	return NewTalkError(message, ErrCodeDecode)
}

func NewConnectionError(endpoint string, err error) *TalkError {
	e := NewTalkError("connection failed", ErrCodeConnectionFailed)
	e.err = err
	return e.AddDetail("endpoint", endpoint)
}

func NewWebSocketError(message string, err error) *TalkError {
	if err == nil {
		return NewTalkError(message, ErrCodeWebSocket)
	}
	return WrapError(err, ErrCodeWebSocket, message)
}

func NewConfigError(message string) *TalkError {
	return NewTalkError(message, ErrCodeConfigInvalid)
}

func NewAPIError(endpoint string, status int) *TalkError {
	return NewTalkError(fmt.Sprintf("request to %s failed with status %d", endpoint, status), ErrCodeAPI).
		AddDetail("endpoint", endpoint).
		AddDetail("status", status)
}

// IsRetryableError reports whether a caller may reasonably retry the
// operation that produced err. Device errors are never retryable.
func IsRetryableError(err error) bool {
	var te *TalkError
	if !errors.As(err, &te) {
		return false
	}
	switch te.Code {
	case ErrCodeConnectionFailed, ErrCodeWebSocket, ErrCodeTimeout, ErrCodeAPI:
		return true
	default:
		return false
	}
}
