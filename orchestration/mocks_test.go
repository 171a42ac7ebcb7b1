package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/itsneelabh/agentloop/ai/providers/mock"
	"github.com/itsneelabh/agentloop/core"
)

type toolFunc func(ctx context.Context, args map[string]interface{}) (*core.ToolResponse, error)

// fakeRegistry implements core.ToolRegistry over in-memory functions.
type fakeRegistry struct {
	mu    sync.Mutex
	tools map[string]toolFunc
	infos []core.ToolInfo
	calls map[string]int
	users []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tools: map[string]toolFunc{}, calls: map[string]int{}}
}

func (r *fakeRegistry) add(name string, fn toolFunc) *fakeRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
	r.infos = append(r.infos, core.ToolInfo{Name: name, Description: name + " tool"})
	return r
}

func (r *fakeRegistry) Execute(ctx context.Context, name string, args map[string]interface{}, userID string) (*core.ToolResponse, error) {
	r.mu.Lock()
	fn, ok := r.tools[name]
	r.calls[name]++
	r.users = append(r.users, userID)
	r.mu.Unlock()
	if !ok {
		return nil, core.ErrToolNotFound
	}
	return fn(ctx, args)
}

func (r *fakeRegistry) ListTools() []core.ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.ToolInfo(nil), r.infos...)
}

func (r *fakeRegistry) callCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func okTool(data interface{}) toolFunc {
	return func(context.Context, map[string]interface{}) (*core.ToolResponse, error) {
		return &core.ToolResponse{Success: true, Data: data}, nil
	}
}

func failingTool(msg string) toolFunc {
	return func(context.Context, map[string]interface{}) (*core.ToolResponse, error) {
		return nil, errors.New(msg)
	}
}

// blockingTool waits for release or ctx.
func blockingTool(release <-chan struct{}, data interface{}) toolFunc {
	return func(ctx context.Context, _ map[string]interface{}) (*core.ToolResponse, error) {
		select {
		case <-release:
			return &core.ToolResponse{Success: true, Data: data}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type statusLine struct {
	message string
	phase   core.Phase
}

// recordingSink records every status call.
type recordingSink struct {
	mu       sync.Mutex
	statuses []statusLine
	errors   []string
	ended    atomic.Bool
}

func (s *recordingSink) Status(message string, phase core.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusLine{message: message, phase: phase})
}

func (s *recordingSink) End() { s.ended.Store(true) }

func (s *recordingSink) Error(message, code string, fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, code+": "+message)
}

func (s *recordingSink) lines() []statusLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusLine(nil), s.statuses...)
}

// routedModel dispatches each model call by the role its system prompt
// announces, so narration, planning, reflection and composition can be
// scripted independently.
type routedModel struct {
	planner   func() (string, error)
	reflector func(n int) (string, error)
	composer  func() (string, error)
	narrator  func() (string, error)

	reflections atomic.Int32
	composed    atomic.Int32
}

func (m *routedModel) client() *mock.Client {
	c := mock.NewClient()
	c.SetHandler(func(ctx context.Context, messages []core.Message, opts *core.CompletionOptions) (*core.Completion, error) {
		system := ""
		if len(messages) > 0 && messages[0].Role == core.RoleSystem {
			system = messages[0].Content
		}
		var (
			content string
			err     error
		)
		switch {
		case strings.HasPrefix(system, plannerSystemPrompt[:30]):
			content, err = call(m.planner)
		case strings.HasPrefix(system, reflectionSystemPrompt[:30]):
			n := int(m.reflections.Add(1))
			if m.reflector == nil {
				content = `{"decision": "answer", "reasoning": "enough data", "confidence": 80}`
			} else {
				content, err = m.reflector(n)
			}
		case strings.HasPrefix(system, narratorSystemPrompt[:30]):
			content, err = call(m.narrator)
		default:
			m.composed.Add(1)
			content, err = call(m.composer)
		}
		if err != nil {
			return nil, err
		}
		return &core.Completion{Content: content}, nil
	})
	return c
}

func call(fn func() (string, error)) (string, error) {
	if fn == nil {
		return "ok", nil
	}
	return fn()
}
