package workspace

import (
	"sync"

	"github.com/davybot/dawei/pkg/models"
)

// UserWorkspace is one user session's view of a workspace. It holds the
// per-session state — current conversation, mode, UI context — and
// delegates everything shared to the Context, on which it owns one
// reference from creation until Cleanup.
type UserWorkspace struct {
	service *Service
	context *Context

	mu                  sync.Mutex
	currentConversation string
	mode                string
	uiContext           map[string]any
	cleaned             bool
}

// NewUserWorkspace opens a session view on a workspace path.
func NewUserWorkspace(service *Service, path string) (*UserWorkspace, error) {
	ctx, err := service.GetContext(path)
	if err != nil {
		return nil, err
	}
	return &UserWorkspace{
		service: service,
		context: ctx,
		mode:    ctx.CurrentSettings().Agent.DefaultMode,
	}, nil
}

// Context returns the shared workspace context.
func (u *UserWorkspace) Context() *Context {
	return u.context
}

// CurrentConversation returns the session's active conversation, creating
// one when none exists yet.
func (u *UserWorkspace) CurrentConversation(title string) *models.Conversation {
	u.mu.Lock()
	id := u.currentConversation
	u.mu.Unlock()

	if id != "" {
		if conv, ok := u.context.Conversations.Get(id); ok {
			return conv
		}
	}
	conv := u.context.Conversations.Create(title)
	u.mu.Lock()
	u.currentConversation = conv.ID
	u.mu.Unlock()
	return conv
}

// SetCurrentConversation switches the session to an existing conversation.
func (u *UserWorkspace) SetCurrentConversation(id string) bool {
	if _, ok := u.context.Conversations.Get(id); !ok {
		return false
	}
	u.mu.Lock()
	u.currentConversation = id
	u.mu.Unlock()
	return true
}

// Mode returns the session's agent mode.
func (u *UserWorkspace) Mode() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mode
}

// SetMode switches the session's agent mode.
func (u *UserWorkspace) SetMode(mode string) {
	u.mu.Lock()
	u.mode = mode
	u.mu.Unlock()
}

// SetUIContext replaces the session's user UI context.
func (u *UserWorkspace) SetUIContext(ctx map[string]any) {
	u.mu.Lock()
	u.uiContext = ctx
	u.mu.Unlock()
}

// UIContext returns the session's user UI context.
func (u *UserWorkspace) UIContext() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uiContext
}

// Cleanup releases the session's reference on the workspace context.
// Idempotent.
func (u *UserWorkspace) Cleanup() {
	u.mu.Lock()
	if u.cleaned {
		u.mu.Unlock()
		return
	}
	u.cleaned = true
	u.mu.Unlock()
	u.service.ReleaseContext(u.context)
}
