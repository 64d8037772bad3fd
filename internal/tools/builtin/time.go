// Package builtin holds the tools every workspace registers by default:
// clock access, followup questions, timers, and skill discovery.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davybot/dawei/internal/tools"
)

// TimeParams are the arguments of the get_time tool.
type TimeParams struct {
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name, defaults to UTC"`
}

// TimeTool reports the current time.
type TimeTool struct {
	// Now is swappable for tests.
	Now func() time.Time
}

// NewTimeTool creates the get_time tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{Now: time.Now}
}

func (t *TimeTool) Name() string {
	return "get_time"
}

func (t *TimeTool) Description() string {
	return "Returns the current date and time, optionally in a given timezone."
}

func (t *TimeTool) Schema() json.RawMessage {
	return tools.GenerateSchema(&TimeParams{})
}

func (t *TimeTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	var params TimeParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", params.Timezone, err)
		}
	}
	return &tools.Result{Content: t.Now().In(loc).Format(time.RFC3339)}, nil
}
