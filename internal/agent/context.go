package agent

import (
	"regexp"

	"xmtprelay/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ComposeContext fills every {{key}} in template from state. Unknown keys
// render as empty strings. Substituted values are not expanded again.
func (r *Runtime) ComposeContext(state *domain.State, template string) string {
	return ComposeContext(state, template)
}

func ComposeContext(state *domain.State, template string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		return state.Get(match[2 : len(match)-2])
	})
}
