package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davybot/dawei/internal/tools"
)

// SkillStore finds skill bundles under {workspace}/.dawei/skills. A skill
// is a directory holding a skill.md (or a bare {name}.md file); its first
// heading line doubles as the description. Skills load lazily by name.
type SkillStore struct {
	dir string
}

// NewSkillStore creates a store rooted at the workspace.
func NewSkillStore(workspacePath string) *SkillStore {
	return &SkillStore{dir: filepath.Join(workspacePath, ".dawei", "skills")}
}

// Skill is one discovered skill bundle.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// List enumerates available skills without loading their bodies.
func (s *SkillStore) List() ([]Skill, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var skills []Skill
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if _, err := os.Stat(filepath.Join(s.dir, name, "skill.md")); err != nil {
				continue
			}
		} else if strings.HasSuffix(name, ".md") {
			name = strings.TrimSuffix(name, ".md")
		} else {
			continue
		}
		content, err := s.Load(name)
		if err != nil {
			continue
		}
		skills = append(skills, Skill{Name: name, Description: firstHeading(content)})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// Load reads a skill body by name.
func (s *SkillStore) Load(name string) (string, error) {
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid skill name %q", name)
	}
	for _, path := range []string{
		filepath.Join(s.dir, name, "skill.md"),
		filepath.Join(s.dir, name+".md"),
	} {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("skill not found: %s", name)
}

func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(line, "# "))
	}
	return ""
}

// ListSkillsTool exposes skill discovery to the model.
type ListSkillsTool struct {
	store *SkillStore
}

// NewListSkillsTool creates the list_skills tool.
func NewListSkillsTool(store *SkillStore) *ListSkillsTool {
	return &ListSkillsTool{store: store}
}

func (t *ListSkillsTool) Name() string {
	return "list_skills"
}

func (t *ListSkillsTool) Description() string {
	return "Lists the skills available in this workspace."
}

func (t *ListSkillsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}

func (t *ListSkillsTool) Execute(_ context.Context, _ json.RawMessage) (*tools.Result, error) {
	skills, err := t.store.List()
	if err != nil {
		return nil, err
	}
	if len(skills) == 0 {
		return &tools.Result{Content: "no skills available"}, nil
	}
	var b strings.Builder
	for _, skill := range skills {
		fmt.Fprintf(&b, "%s: %s\n", skill.Name, skill.Description)
	}
	return &tools.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}

// GetSkillParams are the arguments of get_skill.
type GetSkillParams struct {
	Name string `json:"name" jsonschema_description:"Skill name from list_skills"`
}

// GetSkillTool loads one skill body by name.
type GetSkillTool struct {
	store *SkillStore
}

// NewGetSkillTool creates the get_skill tool.
func NewGetSkillTool(store *SkillStore) *GetSkillTool {
	return &GetSkillTool{store: store}
}

func (t *GetSkillTool) Name() string {
	return "get_skill"
}

func (t *GetSkillTool) Description() string {
	return "Loads the full content of a skill by name."
}

func (t *GetSkillTool) Schema() json.RawMessage {
	return tools.GenerateSchema(&GetSkillParams{})
}

func (t *GetSkillTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	var params GetSkillParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	content, err := t.store.Load(params.Name)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Content: content}, nil
}
