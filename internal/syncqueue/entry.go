// Package syncqueue keeps user intents durable while the device is offline and replays them
// through registered handlers once connectivity returns.
package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidActionKey indicates an empty action key.
	ErrInvalidActionKey = errors.New("syncqueue: invalid action key")
	// ErrInvalidUserID indicates an empty user scope for a queue store.
	ErrInvalidUserID = errors.New("syncqueue: invalid user id")
	// ErrHandlerFailure marks a handler execution that failed and left its entry queued.
	ErrHandlerFailure = errors.New("syncqueue: handler failure")
)

// QueueEntry is one pending action. Only the engine mutates RetryCount and LastError.
type QueueEntry struct {
	ID         string          `json:"id"`
	ActionKey  string          `json:"actionKey"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	LastError  *string         `json:"lastError"`
}

// LastErrorMessage returns the recorded failure message or an empty string.
func (entry QueueEntry) LastErrorMessage() string {
	if entry.LastError == nil {
		return ""
	}
	return *entry.LastError
}

// DecodePayload unmarshals the entry payload into target.
func (entry QueueEntry) DecodePayload(target any) error {
	return json.Unmarshal(entry.Payload, target)
}

func (entry QueueEntry) recordFailure(err error) QueueEntry {
	message := err.Error()
	entry.RetryCount++
	entry.LastError = &message
	return entry
}

func validateActionKey(actionKey string) (string, error) {
	trimmed := strings.TrimSpace(actionKey)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActionKey)
	}
	return trimmed, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: payload not serializable: %w", err)
	}
	return json.RawMessage(encoded), nil
}
