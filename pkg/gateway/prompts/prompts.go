// Package prompts holds the conversation prompt catalog: a system instruction
// and an opening greeting per prompt type, plus level blocks that tune the
// instruction to the student's proficiency.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultType is used when a client omits or misspells the prompt type.
const DefaultType = "BASIC_CONVERSATION"

//go:embed catalog.yaml
var defaultCatalogYAML []byte

type Prompt struct {
	SystemInstruction string `yaml:"system_instruction"`
	Greeting          string `yaml:"greeting"`
}

// Options tailor a system instruction for one session.
type Options struct {
	Topic      string
	Level      string
	FocusAreas []string
}

type catalogFile struct {
	Prompts map[string]Prompt `yaml:"prompts"`
	Levels  map[string]Prompt `yaml:"levels"`
}

// Catalog is safe for concurrent use; Replace swaps the whole content atomically.
type Catalog struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
	levels  map[string]Prompt
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded catalog is invalid: %v", err))
	}
	return c
}

// LoadFile parses a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML. The catalog must define DefaultType.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	c := &Catalog{
		prompts: normalize(f.Prompts),
		levels:  normalize(f.Levels),
	}
	if _, ok := c.prompts[DefaultType]; !ok {
		return nil, fmt.Errorf("prompt catalog must define %s", DefaultType)
	}
	return c, nil
}

func normalize(in map[string]Prompt) map[string]Prompt {
	out := make(map[string]Prompt, len(in))
	for k, p := range in {
		p.SystemInstruction = strings.TrimRight(p.SystemInstruction, "\n")
		p.Greeting = strings.TrimSpace(p.Greeting)
		out[strings.ToUpper(strings.TrimSpace(k))] = p
	}
	return out
}

// Replace swaps in the content of next.
func (c *Catalog) Replace(next *Catalog) {
	if c == nil || next == nil {
		return
	}
	next.mu.RLock()
	prompts, levels := next.prompts, next.levels
	next.mu.RUnlock()

	c.mu.Lock()
	c.prompts, c.levels = prompts, levels
	c.mu.Unlock()
}

// Has reports whether promptType is defined.
func (c *Catalog) Has(promptType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.prompts[strings.ToUpper(promptType)]
	return ok
}

// Types lists the defined prompt types.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.prompts))
	for k := range c.prompts {
		out = append(out, k)
	}
	return out
}

func (c *Catalog) lookup(promptType string) Prompt {
	if p, ok := c.prompts[strings.ToUpper(strings.TrimSpace(promptType))]; ok {
		return p
	}
	return c.prompts[DefaultType]
}

// SystemInstruction returns the instruction for promptType, falling back to
// DefaultType, with the topic, level block and focus areas appended.
func (c *Catalog) SystemInstruction(promptType string, opts Options) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	b.WriteString(c.lookup(promptType).SystemInstruction)

	if topic := strings.TrimSpace(opts.Topic); topic != "" {
		b.WriteString("\n\nToday's topic: ")
		b.WriteString(topic)
	}
	if level := strings.TrimSpace(opts.Level); level != "" {
		if lp, ok := c.levels[strings.ToUpper(level)]; ok {
			b.WriteString("\n\nStudent level: ")
			b.WriteString(level)
			b.WriteString("\n")
			b.WriteString(lp.SystemInstruction)
		}
	}
	if len(opts.FocusAreas) > 0 {
		b.WriteString("\n\nFocus areas: ")
		b.WriteString(strings.Join(opts.FocusAreas, ", "))
	}
	return b.String()
}

// Greeting returns the opening line for promptType, falling back to DefaultType.
func (c *Catalog) Greeting(promptType string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(promptType).Greeting
}
