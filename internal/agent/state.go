package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"xmtprelay/internal/domain"
)

const (
	maxLoreEntries      = 10
	maxExampleDialogues = 5
)

// ComposeState gathers everything the prompt template can reference for
// msg. Values in overrides replace computed ones.
func (r *Runtime) ComposeState(ctx context.Context, msg domain.UserMessage, overrides map[string]string) (*domain.State, error) {
	recent, err := r.messages.GetMemories(ctx, msg.RoomID, r.recentMessages)
	if err != nil {
		return nil, fmt.Errorf("recent messages for room %s: %w", msg.RoomID, err)
	}

	names, err := r.authorNames(ctx, recent, msg.UserID)
	if err != nil {
		return nil, err
	}

	state := &domain.State{
		AgentID:        r.agentID,
		RoomID:         msg.RoomID,
		UserID:         msg.UserID,
		RecentMemories: recent,
	}
	c := r.character
	state.Set("agentName", c.Name)
	state.Set("senderName", names[msg.UserID])
	state.Set("bio", strings.Join(c.Bio, " "))
	state.Set("lore", formatLore(c.Lore))
	state.Set("topics", strings.Join(c.Topics, ", "))
	state.Set("adjectives", strings.Join(c.Adjectives, ", "))
	state.Set("messageDirections", formatDirections(c))
	state.Set("recentMessages", formatMessages(recent, names))
	state.Set("attachments", formatAttachments(recent))
	state.Set("actions", formatActions(r.actions))
	state.Set("actionNames", formatActionNames(r.actions))
	state.Set("actionExamples", formatActionExamples(r.actions, c.Name))
	state.Set("characterMessageExamples", formatCharacterExamples(c, names[msg.UserID]))

	knowledge, err := r.knowledge(ctx, msg.RoomID)
	if err != nil {
		return nil, err
	}
	state.Set("knowledge", knowledge)

	state.Set("providers", r.providerContext(ctx, msg))

	for k, v := range overrides {
		state.Set(k, v)
	}
	return state, nil
}

// authorNames resolves display names for every author in mems plus extra.
func (r *Runtime) authorNames(ctx context.Context, mems []domain.Memory, extra uuid.UUID) (map[uuid.UUID]string, error) {
	names := map[uuid.UUID]string{r.agentID: r.character.Name}
	lookup := func(id uuid.UUID) error {
		if _, ok := names[id]; ok {
			return nil
		}
		acct, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
		switch {
		case acct == nil:
			names[id] = "Unknown User"
		case acct.Name != "":
			names[id] = acct.Name
		default:
			names[id] = acct.Username
		}
		return nil
	}
	if err := lookup(extra); err != nil {
		return nil, err
	}
	for _, m := range mems {
		if err := lookup(m.UserID); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (r *Runtime) knowledge(ctx context.Context, roomID uuid.UUID) (string, error) {
	var lines []string
	for _, k := range r.character.Knowledge {
		lines = append(lines, "- "+k)
	}
	facts, err := r.store.GetFacts(ctx, roomID, uuid.Nil, 10)
	if err != nil {
		return "", fmt.Errorf("facts for room %s: %w", roomID, err)
	}
	for _, f := range facts {
		lines = append(lines, "- "+f.Content)
	}
	return strings.Join(lines, "\n"), nil
}

func (r *Runtime) providerContext(ctx context.Context, msg domain.UserMessage) string {
	var parts []string
	for _, p := range r.providers {
		out, err := p.Get(ctx, r, msg)
		if err != nil {
			r.logger.Warn("context provider failed", "provider", p.Name(), "err", err)
			continue
		}
		if out = strings.TrimSpace(out); out != "" {
			parts = append(parts, out)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("# Additional Information About %s and The World\n%s", r.character.Name, strings.Join(parts, "\n"))
}

func formatCharacterExamples(c *Character, userName string) string {
	if len(c.Examples) == 0 {
		return ""
	}
	if userName == "" {
		userName = "User"
	}
	examples := c.Examples
	if len(examples) > maxExampleDialogues {
		examples = examples[:maxExampleDialogues]
	}
	convs := make([]string, 0, len(examples))
	for _, ex := range examples {
		convs = append(convs, formatExample(ex, c.Name, userName))
	}
	return "# Example Conversations for " + c.Name + "\n" + strings.Join(convs, "\n\n")
}

func formatLore(lore []string) string {
	if len(lore) > maxLoreEntries {
		lore = lore[:maxLoreEntries]
	}
	return strings.Join(lore, "\n")
}

func formatDirections(c *Character) string {
	lines := append(append([]string(nil), c.Style.All...), c.Style.Chat...)
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("# Message Directions for %s\n%s", c.Name, strings.Join(lines, "\n"))
}

func formatMessages(mems []domain.Memory, names map[uuid.UUID]string) string {
	if len(mems) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Conversation Messages")
	for _, m := range mems {
		b.WriteString("\n")
		b.WriteString(names[m.UserID])
		b.WriteString(": ")
		b.WriteString(m.Content.Text)
		if m.Content.Action != "" {
			b.WriteString(" (" + m.Content.Action + ")")
		}
	}
	return b.String()
}

func formatAttachments(mems []domain.Memory) string {
	var lines []string
	for _, m := range mems {
		for _, a := range m.Content.Attachments {
			line := fmt.Sprintf("[%s - %s (%s)]", a.ID, a.Title, a.URL)
			if a.Source != "" {
				line += "\nSource: " + a.Source
			}
			if a.Description != "" {
				line += "\nDescription: " + a.Description
			}
			if a.Text != "" {
				line += "\nText: " + a.Text
			}
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "# Attachments\n" + strings.Join(lines, "\n")
}
