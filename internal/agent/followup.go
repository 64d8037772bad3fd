package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/davybot/dawei/internal/events"
)

// followupRouter suspends tool executions waiting for a user reply and
// resumes them when the session delivers the matching followup_response.
// Pending entries are keyed by tool_call_id.
type followupRouter struct {
	bus *events.Bus

	mu      sync.Mutex
	pending map[string]chan string
}

func newFollowupRouter(bus *events.Bus) *followupRouter {
	return &followupRouter{
		bus:     bus,
		pending: make(map[string]chan string),
	}
}

// Ask publishes a followup_question event and blocks until Respond
// delivers the answer or the context ends.
func (r *followupRouter) Ask(ctx context.Context, toolCallID, question string, suggestions []string) (string, error) {
	if toolCallID == "" {
		return "", fmt.Errorf("followup question requires a tool_call_id")
	}
	ch := make(chan string, 1)
	r.mu.Lock()
	r.pending[toolCallID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, toolCallID)
		r.mu.Unlock()
	}()

	r.bus.Emit(ctx, events.FollowupQuestion, FollowupEvent{
		Question:    question,
		Suggestions: suggestions,
		ToolCallID:  toolCallID,
	})

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond resumes the execution waiting on toolCallID. It reports whether
// a waiter existed.
func (r *followupRouter) Respond(toolCallID, answer string) bool {
	r.mu.Lock()
	ch, ok := r.pending[toolCallID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- answer:
		return true
	default:
		return false
	}
}
