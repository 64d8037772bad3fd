package llm

// Preset describes one OpenAI-compatible provider family: where to send
// requests and which models it is known to serve. All presets share the
// OpenAI wire protocol; only Ollama uses a different client.
type Preset struct {
	// Name is the provider key used in configuration.
	Name string
	// BaseURL is the OpenAI-compatible API root.
	BaseURL string
	// Models lists commonly served model ids, first entry is the default.
	Models []string
	// NoAuth disables the Authorization header (local providers).
	NoAuth bool
}

// presets is the registry of supported provider families.
var presets = map[string]Preset{
	"openai": {
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		Models:  []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo"},
	},
	"deepseek": {
		Name:    "deepseek",
		BaseURL: "https://api.deepseek.com/v1",
		Models:  []string{"deepseek-chat", "deepseek-reasoner"},
	},
	"moonshot": {
		Name:    "moonshot",
		BaseURL: "https://api.moonshot.cn/v1",
		Models:  []string{"moonshot-v1-8k", "moonshot-v1-32k", "moonshot-v1-128k"},
	},
	"zhipu": {
		Name:    "zhipu",
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Models:  []string{"glm-4-plus", "glm-4-flash"},
	},
	"qwen": {
		Name:    "qwen",
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Models:  []string{"qwen-max", "qwen-plus", "qwen-turbo"},
	},
	"openrouter": {
		Name:    "openrouter",
		BaseURL: "https://openrouter.ai/api/v1",
		Models:  []string{"openai/gpt-4o", "anthropic/claude-3.5-sonnet"},
	},
	"groq": {
		Name:    "groq",
		BaseURL: "https://api.groq.com/openai/v1",
		Models:  []string{"llama-3.3-70b-versatile", "mixtral-8x7b-32768"},
	},
	"mistral": {
		Name:    "mistral",
		BaseURL: "https://api.mistral.ai/v1",
		Models:  []string{"mistral-large-latest", "mistral-small-latest"},
	},
	"together": {
		Name:    "together",
		BaseURL: "https://api.together.xyz/v1",
		Models:  []string{"meta-llama/Llama-3.3-70B-Instruct-Turbo"},
	},
	"siliconflow": {
		Name:    "siliconflow",
		BaseURL: "https://api.siliconflow.cn/v1",
		Models:  []string{"Qwen/Qwen2.5-72B-Instruct", "deepseek-ai/DeepSeek-V3"},
	},
	"ollama": {
		Name:    "ollama",
		BaseURL: "http://localhost:11434",
		Models:  []string{"llama3.1", "qwen3"},
		NoAuth:  true,
	},
}

// LookupPreset returns the preset for a provider name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists every registered provider family.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
