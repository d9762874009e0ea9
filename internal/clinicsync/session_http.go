package clinicsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSessionAPI talks to the auth service's session endpoints. It is the
// production SessionAPI; tests substitute fakes.
type HTTPSessionAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPSessionAPI(baseURL, apiKey string, httpClient *http.Client) *HTTPSessionAPI {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSessionAPI{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

type sessionPayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

func (a *HTTPSessionAPI) GetSession(ctx context.Context) (Session, error) {
	return a.doSession(ctx, http.MethodGet, "/v1/session", nil)
}

func (a *HTTPSessionAPI) RefreshSession(ctx context.Context) (Session, error) {
	return a.doSession(ctx, http.MethodPost, "/v1/session/refresh", map[string]any{})
}

func (a *HTTPSessionAPI) doSession(ctx context.Context, method, path string, body any) (Session, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Session{}, err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return Session{}, err
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Session{}, err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Session{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Session{}, fmt.Errorf("session endpoint %s returned %d", path, resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Session{}, err
	}
	session := Session{AccessToken: payload.AccessToken}
	if payload.ExpiresAt != "" {
		if expires, err := time.Parse(time.RFC3339Nano, payload.ExpiresAt); err == nil {
			session.ExpiresAt = expires
		}
	}
	return session, nil
}
