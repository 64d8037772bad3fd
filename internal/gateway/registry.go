package gateway

import (
	"sync"

	"github.com/davybot/dawei/internal/agent"
)

// activeRun maps a managed task to its agent and owning session.
type activeRun struct {
	agent     *agent.Agent
	session   *Session
	sessionID string
}

// agentRegistry tracks live agents by task id so stops and followups can
// find them.
type agentRegistry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{runs: make(map[string]*activeRun)}
}

func (r *agentRegistry) add(taskID string, run *activeRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[taskID] = run
}

func (r *agentRegistry) get(taskID string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[taskID]
	return run, ok
}

func (r *agentRegistry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, taskID)
}
