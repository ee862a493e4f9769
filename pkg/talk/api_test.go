package talk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientListVoices(t *testing.T) {
	var auth, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/voices", r.URL.Path)
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Team")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":[{"id":"nova","label":"Nova"},{"id":"echo","label":"Echo","description":"calm"}]}`))
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL+"/", NewTokenSource(testAPIKey, "s"), map[string]string{"X-Team": "voice"})
	voices, err := client.ListVoices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Voice{
		{ID: "nova", Label: "Nova"},
		{ID: "echo", Label: "Echo", Description: "calm"},
	}, voices)
	assert.True(t, strings.HasPrefix(auth, "Bearer "))
	assert.Equal(t, "voice", custom)
}

func TestAPIClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	status, err := NewAPIClient(srv.URL, nil, nil).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
}

func TestAPIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/voices":
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, nil, nil)

	_, err := client.ListVoices(context.Background())
	var terr *TalkError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodeAPI, terr.Code)
	assert.Equal(t, "boom\n", terr.Details["body"])
	assert.True(t, IsRetryableError(err))

	_, err = client.Health(context.Background())
	assert.ErrorIs(t, err, &TalkError{Code: ErrCodeJSONParse})

	srv.Close()
	_, err = client.Health(context.Background())
	assert.ErrorIs(t, err, &TalkError{Code: ErrCodeConnectionFailed})
}

func TestSelectVoice(t *testing.T) {
	voices := []Voice{{ID: "nova"}, {ID: "echo"}}
	assert.Equal(t, "echo", SelectVoice(voices, "echo"))
	assert.Equal(t, "nova", SelectVoice(voices, "missing"))
	assert.Equal(t, "nova", SelectVoice(voices, ""))
	assert.Equal(t, "", SelectVoice(nil, "echo"))
}
