package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.liveblocks.io"

// HTTPProvider calls a hosted provider REST API authenticated by a secret key.
type HTTPProvider struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, secret string, timeout time.Duration) *HTTPProvider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

type authorizeRequest struct {
	UserID      string              `json:"userId"`
	UserInfo    UserInfo            `json:"userInfo"`
	Permissions map[string][]string `json:"permissions"`
}

func (p *HTTPProvider) Authorize(ctx context.Context, grant Grant) (Credential, error) {
	payload, err := json.Marshal(authorizeRequest{
		UserID:      grant.UserID,
		UserInfo:    grant.UserInfo,
		Permissions: map[string][]string{grant.RoomID: FullAccess},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal authorize request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/v2/authorize-user", bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("authorize user: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read authorize response: %w", err)
	}
	return Credential{Status: resp.StatusCode, Body: body}, nil
}

// DeleteRoom removes the room and every thread in it. A room that is already
// gone counts as deleted.
func (p *HTTPProvider) DeleteRoom(ctx context.Context, roomID string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/v2/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("delete room: unexpected status %d", resp.StatusCode)
}

type commentResponse struct {
	Body json.RawMessage `json:"body"`
}

func (p *HTTPProvider) FetchCommentText(ctx context.Context, roomID, threadID, commentID string) (string, error) {
	path := fmt.Sprintf("/v2/rooms/%s/threads/%s/comments/%s",
		url.PathEscape(roomID), url.PathEscape(threadID), url.PathEscape(commentID))
	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("fetch comment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("fetch comment: unexpected status %d", resp.StatusCode)
	}
	var comment commentResponse
	if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
		return "", fmt.Errorf("decode comment: %w", err)
	}
	return PlainText(comment.Body), nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}
