// Package workingmemory assembles the per-turn system prompt from
// independent trinkets over the synchronous event bus.
package workingmemory

import (
	"strings"

	"github.com/drammen94/mira-OSS/internal/domain/event"
)

// section is one trinket's rendered contribution.
type section struct {
	name    string
	content string
	cached  bool
}

// Composer holds the base prompt and the ordered trinket sections for one
// compose cycle, and renders the two-block prompt: cached prefix, volatile
// suffix. One instance serves one cycle; it is never shared across turns.
type Composer struct {
	basePrompt string
	order      []string
	sections   map[string]*section
}

func NewComposer(basePrompt string) *Composer {
	return &Composer{
		basePrompt: basePrompt,
		sections:   make(map[string]*section),
	}
}

// SetSection adds or replaces a section. First insertion fixes its position.
func (c *Composer) SetSection(name, content string, policy event.CachePolicy) {
	if existing, ok := c.sections[name]; ok {
		existing.content = content
		existing.cached = policy == event.CacheStable
		return
	}
	c.order = append(c.order, name)
	c.sections[name] = &section{
		name:    name,
		content: content,
		cached:  policy == event.CacheStable,
	}
}

// Compose renders the cached and non-cached blocks. The base prompt always
// leads the cached block; sections follow in registration order.
func (c *Composer) Compose() (cached, nonCached string) {
	var cachedParts, volatileParts []string
	if c.basePrompt != "" {
		cachedParts = append(cachedParts, c.basePrompt)
	}
	for _, name := range c.order {
		s := c.sections[name]
		if strings.TrimSpace(s.content) == "" {
			continue
		}
		if s.cached {
			cachedParts = append(cachedParts, s.content)
		} else {
			volatileParts = append(volatileParts, s.content)
		}
	}
	return strings.Join(cachedParts, "\n\n"), strings.Join(volatileParts, "\n\n")
}
