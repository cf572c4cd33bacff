package agent

import (
	"context"
	"fmt"

	"xmtprelay/internal/domain"
	"xmtprelay/internal/memory"
)

// Evaluator runs after a reply has been generated and records what it
// learned about the conversation.
type Evaluator struct {
	Name        string
	Description string
	Validate    func(ctx context.Context, rt *Runtime, msg domain.Memory, state *domain.State) bool
	Handler     func(ctx context.Context, rt *Runtime, msg domain.Memory, state *domain.State) error
}

// Evaluate runs every evaluator whose Validate passes and returns the
// names of those that ran.
func (r *Runtime) Evaluate(ctx context.Context, msg domain.Memory, state *domain.State) ([]string, error) {
	var ran []string
	for _, ev := range r.evaluators {
		if ev.Validate != nil && !ev.Validate(ctx, r, msg, state) {
			continue
		}
		if err := ev.Handler(ctx, r, msg, state); err != nil {
			return ran, fmt.Errorf("evaluator %s: %w", ev.Name, err)
		}
		ran = append(ran, ev.Name)
	}
	return ran, nil
}

func BuiltinEvaluators() []*Evaluator {
	return []*Evaluator{factsEvaluator()}
}

func factsEvaluator() *Evaluator {
	return &Evaluator{
		Name:        "FACTS",
		Description: "Extract facts and preferences the user shares about themselves.",
		Validate: func(_ context.Context, rt *Runtime, msg domain.Memory, _ *domain.State) bool {
			return msg.UserID != rt.agentID && msg.Content.Text != ""
		},
		Handler: func(ctx context.Context, rt *Runtime, msg domain.Memory, _ *domain.State) error {
			f, ok := memory.ExtractFact(msg.Content.Text)
			if !ok {
				return nil
			}
			if err := rt.store.SaveFact(ctx, domain.Fact{
				RoomID:     msg.RoomID,
				UserID:     msg.UserID,
				Category:   f.Category,
				Content:    f.Content,
				Importance: f.Importance,
			}); err != nil {
				return fmt.Errorf("save fact: %w", err)
			}
			rt.logger.Debug("fact stored", "room", msg.RoomID, "category", f.Category)
			return nil
		},
	}
}
