package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/syncqueue"
)

const (
	userIDHeader          = "X-Tutorsync-User"
	defaultForwardTimeout = 15 * time.Second
)

// Forwarder delivers queued intents such as chat messages to the marketplace backend with
// POST <base>/actions/<actionKey>. The same handler serves immediate dispatch and replay.
type Forwarder struct {
	base       *url.URL
	client     *http.Client
	actionKeys []string
}

// NewForwarder validates baseURL. A blank baseURL yields a nil Forwarder, which binds nothing.
func NewForwarder(baseURL string, actionKeys []string, client *http.Client) (*Forwarder, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("client: invalid forward url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultForwardTimeout}
	}
	keys := make([]string, 0, len(actionKeys))
	for _, key := range actionKeys {
		if trimmedKey := strings.TrimSpace(key); trimmedKey != "" {
			keys = append(keys, trimmedKey)
		}
	}
	return &Forwarder{base: parsed, client: client, actionKeys: keys}, nil
}

// Binder registers the forwarded action keys on every new user engine.
func (f *Forwarder) Binder() HandlerBinder {
	return func(userID string, engine *syncqueue.Engine) error {
		if f == nil {
			return nil
		}
		for _, actionKey := range f.actionKeys {
			if err := engine.Register(actionKey, f.handler(userID, actionKey)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (f *Forwarder) handler(userID, actionKey string) syncqueue.Handler {
	endpoint := f.base.JoinPath("actions", actionKey).String()
	return func(ctx context.Context, payload json.RawMessage) error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set(userIDHeader, userID)
		response, err := f.client.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()
		if response.StatusCode < 200 || response.StatusCode > 299 {
			return fmt.Errorf("%s rejected with status %d", actionKey, response.StatusCode)
		}
		return nil
	}
}
