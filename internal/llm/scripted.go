package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// ScriptedClient replays canned verdicts in order. Test and simulation use.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []json.RawMessage
	errs      []error
	calls     int
}

func NewScriptedClient() *ScriptedClient { return &ScriptedClient{} }

// Queue appends a verdict to replay.
func (c *ScriptedClient) Queue(v any) *ScriptedClient {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, b)
	c.errs = append(c.errs, nil)
	return c
}

// QueueError appends an error response to replay.
func (c *ScriptedClient) QueueError(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, nil)
	c.errs = append(c.errs, err)
	return c
}

// Calls reports how many completions were requested.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *ScriptedClient) CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.responses) == 0 {
		return nil, ErrUnavailable
	}
	resp, err := c.responses[0], c.errs[0]
	c.responses = c.responses[1:]
	c.errs = c.errs[1:]
	return resp, err
}
