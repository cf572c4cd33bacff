package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"xmtprelay/internal/domain"
)

// ContextProvider contributes a block of text to the prompt's
// "Additional Information" section.
type ContextProvider interface {
	Name() string
	Get(ctx context.Context, rt *Runtime, msg domain.UserMessage) (string, error)
}

func BuiltinContextProviders() []ContextProvider {
	return []ContextProvider{TimeProvider{}, FactsProvider{Limit: 5}}
}

// TimeProvider states the current UTC time.
type TimeProvider struct {
	Now func() time.Time
}

func (TimeProvider) Name() string { return "time" }

func (p TimeProvider) Get(context.Context, *Runtime, domain.UserMessage) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return "The current date and time is " + now().UTC().Format("Monday, January 2, 2006 15:04 MST") + ".", nil
}

// FactsProvider lists what is known about the sender in this room.
type FactsProvider struct {
	Limit int
}

func (FactsProvider) Name() string { return "facts" }

func (p FactsProvider) Get(ctx context.Context, rt *Runtime, msg domain.UserMessage) (string, error) {
	facts, err := rt.store.GetFacts(ctx, msg.RoomID, msg.UserID, p.Limit)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "", nil
	}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("- (%s) %s", f.Category, f.Content))
	}
	return "Things the user has shared before:\n" + strings.Join(lines, "\n"), nil
}
