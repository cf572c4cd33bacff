package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"xmtprelay/internal/identity"
)

//go:embed default_character.yaml
var defaultCharacterYAML []byte

// Character describes who the agent is and how it speaks.
type Character struct {
	ID            string             `yaml:"id,omitempty"`
	Name          string             `yaml:"name"`
	Username      string             `yaml:"username,omitempty"`
	System        string             `yaml:"system,omitempty"`
	ModelProvider string             `yaml:"modelProvider,omitempty"`
	Bio           []string           `yaml:"bio"`
	Lore          []string           `yaml:"lore,omitempty"`
	Knowledge     []string           `yaml:"knowledge,omitempty"`
	Topics        []string           `yaml:"topics,omitempty"`
	Adjectives    []string           `yaml:"adjectives,omitempty"`
	Style         CharacterStyle     `yaml:"style,omitempty"`
	Examples      [][]MessageExample `yaml:"messageExamples,omitempty"`
}

type CharacterStyle struct {
	All  []string `yaml:"all,omitempty"`
	Chat []string `yaml:"chat,omitempty"`
}

// MessageExample is one line of an example conversation.
type MessageExample struct {
	User   string `yaml:"user"`
	Text   string `yaml:"text"`
	Action string `yaml:"action,omitempty"`
}

// AgentID returns the configured id, or one derived from the name.
func (c *Character) AgentID() (uuid.UUID, error) {
	if c.ID == "" {
		return identity.StringToUUID(c.Name), nil
	}
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("character %s: invalid id %q: %w", c.Name, c.ID, err)
	}
	return id, nil
}

// LoadCharacter reads a character from a YAML file. An empty path returns
// the embedded default character.
func LoadCharacter(path string) (*Character, error) {
	if path == "" {
		return DefaultCharacter()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read character %s: %w", path, err)
	}
	c, err := ParseCharacter(data)
	if err != nil {
		return nil, fmt.Errorf("character %s: %w", path, err)
	}
	return c, nil
}

// DefaultCharacter returns the character shipped with the binary.
func DefaultCharacter() (*Character, error) {
	return ParseCharacter(defaultCharacterYAML)
}

// DefaultCharacterYAML returns the raw default character, for `init`.
func DefaultCharacterYAML() []byte {
	return append([]byte(nil), defaultCharacterYAML...)
}

func ParseCharacter(data []byte) (*Character, error) {
	var c Character
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse character: %w", err)
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("character name is required")
	}
	if c.Username == "" {
		c.Username = strings.ToLower(strings.ReplaceAll(c.Name, " ", "_"))
	}
	if _, err := c.AgentID(); err != nil {
		return nil, err
	}
	return &c, nil
}
