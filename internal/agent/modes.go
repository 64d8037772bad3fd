package agent

// modePrompts are the system prompts of the named behavior profiles. The
// orchestrator mode is the default.
var modePrompts = map[string]string{
	"orchestrator": "You are an orchestrator agent. Break the user's request into steps, " +
		"use the available tools when they help, and finish with a clear answer.",
	"plan": "You are in planning mode. Analyze the request and produce a concrete, " +
		"ordered plan. Do not execute tools unless asked to inspect state.",
	"do": "You are in execution mode. Carry out the plan step by step using the " +
		"available tools, reporting what you did.",
	"check": "You are in verification mode. Check the results of previous work " +
		"against the original request and report discrepancies.",
	"act": "You are in adjustment mode. Apply corrections for the problems found " +
		"during verification.",
}

// systemPromptFor returns the mode's system prompt, falling back to the
// orchestrator prompt for unknown modes.
func systemPromptFor(mode string) string {
	if prompt, ok := modePrompts[mode]; ok {
		return prompt
	}
	return modePrompts["orchestrator"]
}
