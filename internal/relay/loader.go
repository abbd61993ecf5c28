package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehrlich-b/threadline/internal/thread"
	"github.com/ehrlich-b/threadline/internal/ws"
)

// HTTPLoader loads threads from a relay's HTTP API. It implements
// thread.Loader.
type HTTPLoader struct {
	BaseURL string // e.g. http://localhost:7777
	Token   string
	Client  *http.Client
}

// LoadThread implements thread.Loader.
func (l *HTTPLoader) LoadThread(ctx context.Context, threadID string, opts thread.LoadOptions) (thread.LoadResult, error) {
	path := "/threads/" + url.PathEscape(threadID)
	if opts.Limit > 0 {
		path += "?limit=" + strconv.Itoa(opts.Limit)
	}
	var resp ThreadResponse
	if err := l.get(ctx, path, &resp); err != nil {
		return thread.LoadResult{}, err
	}
	res := thread.LoadResult{ThreadID: resp.Thread.ID, Messages: make([]thread.Message, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		res.Messages = append(res.Messages, thread.Message{
			ID:        m.ID,
			ThreadID:  resp.Thread.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	return res, nil
}

// ListThreads returns the relay's threads, most recently active first.
func (l *HTTPLoader) ListThreads(ctx context.Context) ([]ws.ThreadInfo, error) {
	var out []ws.ThreadInfo
	if err := l.get(ctx, "/threads", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *HTTPLoader) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(l.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WebSocketURL turns a relay base URL into its /ws endpoint.
func WebSocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
