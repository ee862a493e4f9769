package talk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to the backend's HTTP endpoints.
type APIClient struct {
	baseURL    string
	tokens     *TokenSource
	headers    map[string]string
	httpClient *http.Client
}

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status string `json:"status"`
}

type voicesResponse struct {
	Voices []Voice `json:"voices"`
}

func NewAPIClient(baseURL string, tokens *TokenSource, headers map[string]string) *APIClient {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		headers: headers,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// NewAPIClientFromConfig builds a client that shares the websocket's auth.
func NewAPIClientFromConfig(c *Config, tokens *TokenSource) *APIClient {
	return NewAPIClient(c.APIBaseURL, tokens, c.Headers)
}

func (ac *APIClient) get(ctx context.Context, endpoint string, out interface{}) error {
	url := ac.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NewConfigError(err.Error())
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vocals-talk-go/1.0")
	if ac.tokens != nil {
		token, err := ac.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range ac.headers {
		req.Header.Set(k, v)
	}

	resp, err := ac.httpClient.Do(req)
	if err != nil {
		return NewConnectionError(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewConnectionError(url, err)
	}
	if resp.StatusCode >= 400 {
		return NewAPIError(endpoint, resp.StatusCode).AddDetail("body", string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return WrapError(err, ErrCodeJSONParse, "decode "+endpoint)
	}
	return nil
}

// ListVoices returns the voice catalog in server order.
func (ac *APIClient) ListVoices(ctx context.Context) ([]Voice, error) {
	var resp voicesResponse
	if err := ac.get(ctx, "/api/voices", &resp); err != nil {
		return nil, err
	}
	return resp.Voices, nil
}

// Health checks the backend liveness endpoint.
func (ac *APIClient) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := ac.get(ctx, "/healthz", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SelectVoice picks preferred when the catalog has it, otherwise the first
// voice. It returns "" for an empty catalog.
func SelectVoice(voices []Voice, preferred string) string {
	if len(voices) == 0 {
		return ""
	}
	if preferred != "" {
		for _, v := range voices {
			if v.ID == preferred {
				return v.ID
			}
		}
	}
	return voices[0].ID
}
