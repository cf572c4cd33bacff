package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"xmtprelay/internal/domain"
	"xmtprelay/internal/identity"
	"xmtprelay/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// scriptedProvider returns its replies in order, repeating the last one.
type scriptedProvider struct {
	replies []string
	err     error
	reqs    []domain.ChatRequest
}

func (p *scriptedProvider) Name() string                      { return "scripted" }
func (p *scriptedProvider) Models() []string                  { return nil }
func (p *scriptedProvider) Healthy(ctx context.Context) error { return nil }

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	i := len(p.reqs) - 1
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return &domain.ChatResponse{Content: p.replies[i]}, nil
}

func ptr[T any](v T) *T { return &v }

func testCharacter(t *testing.T) *Character {
	t.Helper()
	c, err := ParseCharacter([]byte(`
name: Ava
system: be kind
bio: [Ava helps people., She is calm.]
lore: [l1, l2, l3, l4, l5, l6, l7, l8, l9, l10, l11, l12]
knowledge: [XMTP is a messaging protocol.]
style:
  all: [short answers]
  chat: [no emojis]
messageExamples:
  - - {user: "{{user1}}", text: "hi {{agentName}}"}
    - {user: Ava, text: "hello", action: NONE}
`))
	if err != nil {
		t.Fatalf("parse character: %v", err)
	}
	return c
}

func testRuntime(t *testing.T, p domain.Provider) (*Runtime, *memory.SQLiteStore) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"), testLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rt, err := NewRuntime(RuntimeConfig{
		Character:        testCharacter(t),
		Store:            store,
		Provider:         p,
		ContextProviders: []ContextProvider{},
		Generation:       GenerationOptions{MaxTokens: 256, Temperature: ptr(0.5), MaxAttempts: 3},
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	return rt, store
}

func TestNewRuntime_AgentIDDerivedFromName(t *testing.T) {
	rt, _ := testRuntime(t, nil)
	if rt.AgentID() != identity.StringToUUID("Ava") {
		t.Fatalf("unexpected agent id %s", rt.AgentID())
	}
	if rt.AgentName() != "Ava" || rt.Character().Name != "Ava" {
		t.Fatalf("unexpected agent name %q", rt.AgentName())
	}
}

func TestEnsureConnection_Idempotent(t *testing.T) {
	rt, store := testRuntime(t, nil)
	ctx := context.Background()
	user, room := identity.StringToUUID("0xAAA"), identity.StringToUUID("g1")

	for i := 0; i < 2; i++ {
		if err := rt.EnsureConnection(ctx, user, room, "0xAAA", "0xAAA", domain.SourceXMTP); err != nil {
			t.Fatalf("ensure #%d: %v", i+1, err)
		}
	}

	ids, err := store.ListParticipants(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected agent and user as participants, got %v", ids)
	}
	acct, _ := store.GetAccount(ctx, user)
	if acct == nil || acct.Source != domain.SourceXMTP || acct.Name != "0xAAA" {
		t.Fatalf("unexpected user account %+v", acct)
	}
}

func seedConversation(t *testing.T, rt *Runtime) (user, room uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	user, room = identity.StringToUUID("0xAAA"), identity.StringToUUID("g1")
	if err := rt.EnsureConnection(ctx, user, room, "0xAAA", "0xAAA", domain.SourceXMTP); err != nil {
		t.Fatal(err)
	}
	mems := []domain.Memory{
		{ID: uuid.New(), UserID: user, Content: domain.Content{Text: "hello", Source: domain.SourceXMTP}, CreatedAt: 1000},
		{ID: uuid.New(), UserID: rt.AgentID(), Content: domain.Content{Text: "hi there", Action: "NONE"}, CreatedAt: 2000},
	}
	for _, m := range mems {
		m.AgentID, m.RoomID = rt.AgentID(), room
		if err := rt.Messages().CreateMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	return user, room
}

func TestComposeState(t *testing.T) {
	rt, store := testRuntime(t, nil)
	user, room := seedConversation(t, rt)
	store.SaveFact(context.Background(), domain.Fact{RoomID: room, UserID: user, Category: "preference", Content: "I like tea"})

	state, err := rt.ComposeState(context.Background(), domain.UserMessage{UserID: user, RoomID: room, AgentID: rt.AgentID()},
		map[string]string{"agentName": "Ava Override"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if got := state.Get("recentMessages"); got != "# Conversation Messages\n0xAAA: hello\nAva: hi there (NONE)" {
		t.Errorf("unexpected recentMessages:\n%s", got)
	}
	if got := state.Get("agentName"); got != "Ava Override" {
		t.Errorf("override should win, got %q", got)
	}
	if got := state.Get("senderName"); got != "0xAAA" {
		t.Errorf("unexpected senderName %q", got)
	}
	if got := state.Get("bio"); got != "Ava helps people. She is calm." {
		t.Errorf("unexpected bio %q", got)
	}
	if n := len(strings.Split(state.Get("lore"), "\n")); n != maxLoreEntries {
		t.Errorf("lore should be capped at %d entries, got %d", maxLoreEntries, n)
	}
	if got := state.Get("knowledge"); got != "- XMTP is a messaging protocol.\n- I like tea" {
		t.Errorf("unexpected knowledge %q", got)
	}
	if got := state.Get("messageDirections"); got != "# Message Directions for Ava\nshort answers\nno emojis" {
		t.Errorf("unexpected directions %q", got)
	}
	if !strings.HasPrefix(state.Get("actions"), "# Available Actions\nNONE: ") {
		t.Errorf("unexpected actions %q", state.Get("actions"))
	}
	if state.Get("actionNames") != "NONE, IGNORE, CONTINUE" {
		t.Errorf("unexpected actionNames %q", state.Get("actionNames"))
	}
	if !strings.Contains(state.Get("actionExamples"), "Ava: not much, you? (NONE)") {
		t.Errorf("action examples should name the agent: %q", state.Get("actionExamples"))
	}
	if got := state.Get("characterMessageExamples"); got != "# Example Conversations for Ava\n0xAAA: hi Ava\nAva: hello (NONE)" {
		t.Errorf("unexpected characterMessageExamples %q", got)
	}
	if len(state.RecentMemories) != 2 || state.RoomID != room {
		t.Errorf("unexpected state metadata %+v", state)
	}
}

func TestComposeState_ProvidersSection(t *testing.T) {
	rt, _ := testRuntime(t, nil)
	rt.providers = []ContextProvider{TimeProvider{}, FactsProvider{Limit: 5}}
	user, room := seedConversation(t, rt)
	rt.store.SaveFact(context.Background(), domain.Fact{RoomID: room, UserID: user, Category: "fact", Content: "my name is Bob"})

	state, err := rt.ComposeState(context.Background(), domain.UserMessage{UserID: user, RoomID: room}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := state.Get("providers")
	if !strings.HasPrefix(got, "# Additional Information About Ava and The World\nThe current date and time is ") {
		t.Errorf("unexpected providers section:\n%s", got)
	}
	if !strings.Contains(got, "- (fact) my name is Bob") {
		t.Errorf("facts provider output missing:\n%s", got)
	}
}

func TestComposeContext(t *testing.T) {
	state := &domain.State{}
	state.Set("agentName", "Ava")
	state.Set("bio", "uses {{agentName}} literally")

	got := ComposeContext(state, "Hi {{agentName}}. {{bio}} [{{missing}}]")
	if got != "Hi Ava. uses {{agentName}} literally []" {
		t.Fatalf("unexpected context %q", got)
	}
}

func TestParseResponseContent(t *testing.T) {
	cases := []struct {
		name   string
		reply  string
		ok     bool
		text   string
		action string
	}{
		{"fenced", "Sure!\n```json\n{ \"user\": \"Ava\", \"text\": \"hi there\", \"action\": \"NONE\" }\n```", true, "hi there", "NONE"},
		{"bare object", `{"text": "ok", "action": "CONTINUE"}`, true, "ok", "CONTINUE"},
		{"prefixed", "assistant\n{\"text\": \"yo\"}", true, "yo", ""},
		{"nested braces in text", "```json\n{\"text\": \"a {b} c\", \"meta\": {\"x\": 1}}\n```", true, "a {b} c", ""},
		{"bad escape repaired", `{"text": "50\% off"}`, true, "50% off", ""},
		{"no json", "I cannot answer that.", false, "", ""},
		{"missing text", `{"action": "NONE"}`, false, "", ""},
		{"array", `[{"text": "x"}]`, false, "", ""},
		{"truncated", "```json\n{\"text\": \"cut", false, "", ""},
		{"bracketed prose before object", `[note] {"text": "hi"}`, true, "hi", ""},
		{"braced prose before object", `{thinking} then {"text": "hey", "action": "NONE"}`, true, "hey", "NONE"},
		{"unclosed brace before object", `oops { {"text": "inner"}`, true, "inner", ""},
		{"nested text is not a reply", `{"meta": {"text": "x"}}`, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok := ParseResponseContent(tc.reply)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if c.Text != tc.text || c.Action != tc.action {
				t.Fatalf("got text=%q action=%q", c.Text, c.Action)
			}
		})
	}
}

func TestParseResponseContent_InReplyTo(t *testing.T) {
	id := uuid.New()
	c, ok := ParseResponseContent(`{"text": "x", "inReplyTo": "` + id.String() + `"}`)
	if !ok || c.InReplyTo == nil || *c.InReplyTo != id {
		t.Fatalf("expected inReplyTo %s, got %+v", id, c)
	}
}

func TestGenerateMessageResponse_RetriesUnparseableReplies(t *testing.T) {
	p := &scriptedProvider{replies: []string{"garbage", `{"text": "second time lucky"}`}}
	rt, _ := testRuntime(t, p)

	content, err := rt.GenerateMessageResponse(context.Background(), "ctx", domain.ModelLarge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content == nil || content.Text != "second time lucky" {
		t.Fatalf("unexpected content %+v", content)
	}
	if len(p.reqs) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(p.reqs))
	}
	req := p.reqs[0]
	if req.Class != domain.ModelLarge || req.MaxTokens != 256 || req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("unexpected request options %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "ctx" {
		t.Errorf("unexpected messages %+v", req.Messages)
	}
}

func TestGenerateMessageResponse_ExhaustedAttemptsReturnsNil(t *testing.T) {
	p := &scriptedProvider{replies: []string{"nope"}}
	rt, _ := testRuntime(t, p)

	content, err := rt.GenerateMessageResponse(context.Background(), "ctx", domain.ModelLarge)
	if err != nil || content != nil {
		t.Fatalf("expected nil result and nil error, got %+v, %v", content, err)
	}
	if len(p.reqs) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(p.reqs))
	}
}

func TestGenerateMessageResponse_Errors(t *testing.T) {
	rt, _ := testRuntime(t, nil)
	if _, err := rt.GenerateMessageResponse(context.Background(), "ctx", domain.ModelLarge); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}

	boom := errors.New("boom")
	rt, _ = testRuntime(t, &scriptedProvider{err: boom})
	if _, err := rt.GenerateMessageResponse(context.Background(), "ctx", domain.ModelLarge); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestProcessActions_Continue(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"text": "and one more thing", "action": "CONTINUE"}`}}
	rt, _ := testRuntime(t, p)
	user, room := seedConversation(t, rt)
	ctx := context.Background()

	inbound := domain.Memory{ID: uuid.New(), AgentID: rt.AgentID(), UserID: user, RoomID: room, Content: domain.Content{Text: "tell me"}}
	state, _ := rt.ComposeState(ctx, domain.UserMessage{UserID: user, RoomID: room}, nil)
	reply := domain.Memory{UserID: rt.AgentID(), RoomID: room, Content: domain.Content{Text: "first", Action: "keep_talking"}}

	var got []domain.Content
	err := rt.ProcessActions(ctx, inbound, []domain.Memory{reply}, state, func(_ context.Context, c domain.Content) ([]domain.Memory, error) {
		got = append(got, c)
		return []domain.Memory{inbound}, nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(got) != 1 || got[0].Text != "and one more thing" {
		t.Fatalf("expected one follow-up, got %+v", got)
	}
	if got[0].Action != "NONE" {
		t.Errorf("follow-up must not chain, got action %q", got[0].Action)
	}
	n, _ := rt.messages.CountMemories(ctx, room)
	if n != 3 {
		t.Errorf("follow-up should be stored, got %d memories", n)
	}
}

func TestProcessActions_UnknownAndNoActionAreSkipped(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"text": "should not be called"}`}}
	rt, _ := testRuntime(t, p)
	called := 0
	cb := func(context.Context, domain.Content) ([]domain.Memory, error) { called++; return nil, nil }

	responses := []domain.Memory{
		{Content: domain.Content{Text: "a"}},
		{Content: domain.Content{Text: "b", Action: "DANCE"}},
		{Content: domain.Content{Text: "c", Action: "NONE"}},
		{Content: domain.Content{Text: "d", Action: "stop_talking"}},
	}
	if err := rt.ProcessActions(context.Background(), domain.Memory{}, responses, &domain.State{}, cb); err != nil {
		t.Fatalf("process: %v", err)
	}
	if called != 0 || len(p.reqs) != 0 {
		t.Fatalf("no callback or generation expected, got %d callbacks, %d requests", called, len(p.reqs))
	}
}

func TestFindAction_BySimile(t *testing.T) {
	rt, _ := testRuntime(t, nil)
	for name, want := range map[string]string{"NO_ACTION": "NONE", "elaborate": "CONTINUE", "StopTalking": "IGNORE", "continue": "CONTINUE"} {
		a := rt.findAction(name)
		if a == nil || a.Name != want {
			t.Errorf("findAction(%q) = %v, want %s", name, a, want)
		}
	}
	if rt.findAction("fly") != nil {
		t.Error("unknown action should not match")
	}
}

func TestEvaluate_FactsEvaluatorStoresFacts(t *testing.T) {
	rt, store := testRuntime(t, nil)
	user, room := seedConversation(t, rt)
	ctx := context.Background()

	mem := domain.Memory{UserID: user, RoomID: room, Content: domain.Content{Text: "I prefer short answers"}}
	ran, err := rt.Evaluate(ctx, mem, &domain.State{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ran) != 1 || ran[0] != "FACTS" {
		t.Fatalf("expected FACTS to run, got %v", ran)
	}
	facts, _ := store.GetFacts(ctx, room, user, 10)
	if len(facts) != 1 || facts[0].Category != "preference" {
		t.Fatalf("unexpected facts %+v", facts)
	}

	// A message matching several categories is stored once, under the most
	// important one.
	mixed := domain.Memory{UserID: user, RoomID: room, Content: domain.Content{Text: "Remember that I prefer tea"}}
	if _, err := rt.Evaluate(ctx, mixed, &domain.State{}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	facts, _ = store.GetFacts(ctx, room, user, 10)
	if len(facts) != 2 || facts[0].Category != "instruction" || facts[0].Content != "Remember that I prefer tea" {
		t.Fatalf("unexpected facts after mixed message %+v", facts)
	}

	// Agent-authored memories are not evaluated.
	ran, _ = rt.Evaluate(ctx, domain.Memory{UserID: rt.AgentID(), RoomID: room, Content: domain.Content{Text: "I like it"}}, &domain.State{})
	if len(ran) != 0 {
		t.Fatalf("expected no evaluators for agent memory, got %v", ran)
	}
}
