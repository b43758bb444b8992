package rookery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// refreshMargin is how long before expiry a token is considered stale.
const refreshMargin = 30 * time.Second

// tokenManager exchanges the API key for a JWT and refreshes it before
// it expires. Safe for concurrent use.
type tokenManager struct {
	baseURL string
	apiKey  string
	client  *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
	}
}

// Token returns a valid JWT, exchanging the API key if the cached token
// is missing or within refreshMargin of expiry.
func (tm *tokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Until(tm.expiresAt) > refreshMargin {
		return tm.token, nil
	}

	body, err := json.Marshal(map[string]string{"api_key": tm.apiKey})
	if err != nil {
		return "", fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseErrorResponse(resp.StatusCode, raw)
	}

	var envelope struct {
		Data struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if envelope.Data.Token == "" {
		return "", fmt.Errorf("auth response missing token")
	}

	tm.token = envelope.Data.Token
	tm.expiresAt = envelope.Data.ExpiresAt
	return tm.token, nil
}

// Invalidate drops the cached token so the next request re-exchanges.
func (tm *tokenManager) Invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.expiresAt = time.Time{}
	tm.mu.Unlock()
}
