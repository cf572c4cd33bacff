package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"xmtprelay/internal/domain"
	"xmtprelay/internal/identity"
)

// Action is something the model can ask for by naming it in the "action"
// field of its reply.
type Action struct {
	Name        string
	Similes     []string
	Description string
	Examples    [][]MessageExample

	// Validate reports whether the action may run for this message. Nil means always.
	Validate func(ctx context.Context, rt *Runtime, msg domain.Memory, state *domain.State) bool
	Handler  func(ctx context.Context, rt *Runtime, msg domain.Memory, state *domain.State, callback domain.HandlerCallback) error
}

func normalizeActionName(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
}

func (r *Runtime) findAction(name string) *Action {
	want := normalizeActionName(name)
	for _, a := range r.actions {
		if normalizeActionName(a.Name) == want {
			return a
		}
	}
	for _, a := range r.actions {
		for _, s := range a.Similes {
			if normalizeActionName(s) == want {
				return a
			}
		}
	}
	return nil
}

// ProcessActions runs the action named by each response. Unknown actions
// are logged and skipped. The first handler error stops processing.
func (r *Runtime) ProcessActions(ctx context.Context, msg domain.Memory, responses []domain.Memory, state *domain.State, callback domain.HandlerCallback) error {
	for _, resp := range responses {
		name := resp.Content.Action
		if name == "" {
			continue
		}
		action := r.findAction(name)
		if action == nil {
			r.logger.Warn("unknown action requested", "action", name, "room", msg.RoomID)
			continue
		}
		if action.Validate != nil && !action.Validate(ctx, r, msg, state) {
			r.logger.Debug("action not valid for message", "action", action.Name, "room", msg.RoomID)
			continue
		}
		if action.Handler == nil {
			continue
		}
		r.logger.Debug("running action", "action", action.Name, "room", msg.RoomID)
		if err := action.Handler(ctx, r, msg, state, callback); err != nil {
			return fmt.Errorf("action %s: %w", action.Name, err)
		}
	}
	return nil
}

// BuiltinActions returns NONE, IGNORE and CONTINUE.
func BuiltinActions() []*Action {
	return []*Action{noneAction(), ignoreAction(), continueAction()}
}

func noneAction() *Action {
	return &Action{
		Name:        "NONE",
		Similes:     []string{"NO_ACTION", "RESPONSE"},
		Description: "Respond but perform no additional action. This is the default if the agent is speaking and not doing anything additional.",
		Examples: [][]MessageExample{{
			{User: "{{user1}}", Text: "hey whats up"},
			{User: "{{agentName}}", Text: "not much, you?", Action: "NONE"},
		}},
	}
}

func ignoreAction() *Action {
	return &Action{
		Name:        "IGNORE",
		Similes:     []string{"STOP_TALKING"},
		Description: "Call this action if ignoring the user. If the user is aggressive, creepy or is finished with the conversation, use this action.",
		Examples: [][]MessageExample{{
			{User: "{{user1}}", Text: "ok bye"},
			{User: "{{agentName}}", Text: "", Action: "IGNORE"},
		}},
		Handler: func(ctx context.Context, rt *Runtime, msg domain.Memory, _ *domain.State, _ domain.HandlerCallback) error {
			rt.logger.Debug("agent ignores conversation", "room", msg.RoomID)
			return nil
		},
	}
}

const continueTemplate = `# Task: Continue the last message written by {{agentName}}.
About {{agentName}}:
{{bio}}

{{messageDirections}}

{{characterMessageExamples}}

{{recentMessages}}

# Instructions: Write the follow-up message for {{agentName}}. Only add new information, never repeat the previous message. Set "action" to NONE.
` + MessageCompletionFooter

// maxConsecutiveContinues caps how many agent messages in a row may continue.
const maxConsecutiveContinues = 2

func continueAction() *Action {
	return &Action{
		Name:        "CONTINUE",
		Similes:     []string{"ELABORATE", "KEEP_TALKING"},
		Description: "ONLY use this action when the message necessitates a follow up. Do not use it unless there is more to say.",
		Examples: [][]MessageExample{{
			{User: "{{user1}}", Text: "tell me about encrypted messaging"},
			{User: "{{agentName}}", Text: "Messages are encrypted on your device.", Action: "CONTINUE"},
			{User: "{{agentName}}", Text: "Only the recipient holds the key to read them.", Action: "NONE"},
		}},
		Validate: func(_ context.Context, rt *Runtime, _ domain.Memory, state *domain.State) bool {
			streak := 0
			for i := len(state.RecentMemories) - 1; i >= 0; i-- {
				m := state.RecentMemories[i]
				if m.UserID != rt.agentID {
					break
				}
				if normalizeActionName(m.Content.Action) == "continue" {
					streak++
				}
			}
			return streak < maxConsecutiveContinues
		},
		Handler: func(ctx context.Context, rt *Runtime, msg domain.Memory, state *domain.State, callback domain.HandlerCallback) error {
			resp, err := rt.GenerateMessageResponse(ctx, rt.ComposeContext(state, continueTemplate), domain.ModelLarge)
			if err != nil {
				return err
			}
			if resp == nil || strings.TrimSpace(resp.Text) == "" {
				return nil
			}
			// One follow-up per message: the continuation never chains.
			if normalizeActionName(resp.Action) == "continue" {
				resp.Action = "NONE"
			}
			followUp := domain.Memory{
				ID:        identity.StringToUUID(msg.ID.String() + "-continue-" + rt.agentID.String()),
				AgentID:   rt.agentID,
				UserID:    rt.agentID,
				RoomID:    msg.RoomID,
				Content:   *resp,
				CreatedAt: time.Now().UnixMilli(),
			}
			if err := rt.messages.CreateMemory(ctx, followUp); err != nil {
				return err
			}
			if callback != nil {
				if _, err := callback(ctx, *resp); err != nil {
					return fmt.Errorf("continue callback: %w", err)
				}
			}
			return nil
		},
	}
}

func formatActions(actions []*Action) string {
	if len(actions) == 0 {
		return ""
	}
	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		lines = append(lines, a.Name+": "+a.Description)
	}
	return "# Available Actions\n" + strings.Join(lines, "\n")
}

func formatActionNames(actions []*Action) string {
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

func formatActionExamples(actions []*Action, agentName string) string {
	var convs []string
	for _, a := range actions {
		for _, ex := range a.Examples {
			convs = append(convs, formatExample(ex, agentName, "User"))
		}
	}
	return strings.Join(convs, "\n\n")
}

// formatExample renders one example conversation, filling the {{agentName}}
// and {{user1}} placeholders.
func formatExample(ex []MessageExample, agentName, userName string) string {
	r := strings.NewReplacer("{{agentName}}", agentName, "{{user1}}", userName)
	lines := make([]string, 0, len(ex))
	for _, line := range ex {
		s := r.Replace(line.User) + ": " + r.Replace(line.Text)
		if line.Action != "" {
			s += " (" + line.Action + ")"
		}
		lines = append(lines, s)
	}
	return strings.Join(lines, "\n")
}
