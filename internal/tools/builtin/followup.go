package builtin

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/davybot/dawei/internal/tools"
)

// FollowupAsker suspends the current turn until the user answers. The node
// executor implements this: it publishes a followup_question event and
// waits for the matching followup_response from the session.
type FollowupAsker interface {
	Ask(ctx context.Context, toolCallID, question string, suggestions []string) (string, error)
}

// FollowupParams are the arguments of ask_followup_question.
type FollowupParams struct {
	Question    string   `json:"question" jsonschema_description:"The question to ask the user"`
	Suggestions []string `json:"suggestions,omitempty" jsonschema_description:"Suggested answers the user can pick from"`
}

// FollowupTool lets the model ask the user a clarifying question mid-turn.
type FollowupTool struct {
	asker FollowupAsker
}

// NewFollowupTool creates the ask_followup_question tool.
func NewFollowupTool(asker FollowupAsker) *FollowupTool {
	return &FollowupTool{asker: asker}
}

func (t *FollowupTool) Name() string {
	return "ask_followup_question"
}

func (t *FollowupTool) Description() string {
	return "Asks the user a clarifying question and waits for their reply."
}

func (t *FollowupTool) Schema() json.RawMessage {
	return tools.GenerateSchema(&FollowupParams{})
}

func (t *FollowupTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	if t.asker == nil {
		return nil, errors.New("followup questions are not available in this session")
	}
	var params FollowupParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	answer, err := t.asker.Ask(ctx, tools.CallID(ctx), params.Question, params.Suggestions)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Content: answer}, nil
}
