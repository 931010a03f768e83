package server

import (
	"encoding/json"
	"sync"
)

// storedResponse is a completed submission response, replayed verbatim for repeats
// of the same Idempotency-Key.
type storedResponse struct {
	status int
	body   []byte
}

// idempotencyCache remembers submission responses per process. It never evicts;
// clients are expected to use fresh keys per logical submission.
type idempotencyCache struct {
	mu        sync.Mutex
	responses map[string]storedResponse
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{responses: make(map[string]storedResponse)}
}

func (c *idempotencyCache) lookup(key string) (storedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.responses[key]
	return stored, ok
}

// store serializes the payload once and keeps the exact bytes so replays are
// byte-identical to the first response.
func (c *idempotencyCache) store(key string, status int, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.responses[key]; ok {
		return existing.body, nil
	}
	c.responses[key] = storedResponse{status: status, body: body}
	return body, nil
}
