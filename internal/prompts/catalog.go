// Package prompts loads the on-disk prompt catalog and assembles
// versioned system prompts from named blocks, injecting the live tool
// catalog at assembly time. Business vocabulary lives here as data; the
// engine code stays domain-free.
package prompts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Phases of a message turn, each drawing on its own block list.
const (
	PhaseSystem        = "system"
	PhaseUnderstanding = "understanding"
	PhaseToolPlanning  = "tool_planning"
	PhaseResponse      = "response"
)

// Catalog is the parsed prompt file: a flat block namespace plus the
// variants composed from it.
type Catalog struct {
	Blocks  map[string]string  `yaml:"blocks"`
	Prompts map[string]Variant `yaml:"prompts"`

	// Current names the default variant for unassigned traffic.
	Current string `yaml:"current"`
}

// Variant is one named prompt composition.
type Variant struct {
	SystemBlocks        []string           `yaml:"system_blocks"`
	UnderstandingBlocks []string           `yaml:"understanding_blocks"`
	ToolPlanningBlocks  []string           `yaml:"tool_planning_blocks"`
	ResponseBlocks      []string           `yaml:"response_blocks"`
	Profiles            map[string]Profile `yaml:"profiles,omitempty"`
}

// Profile overrides block lists for one channel. A nil list keeps the
// variant's default for that phase.
type Profile struct {
	SystemBlocks        []string `yaml:"system_blocks,omitempty"`
	UnderstandingBlocks []string `yaml:"understanding_blocks,omitempty"`
	ToolPlanningBlocks  []string `yaml:"tool_planning_blocks,omitempty"`
	ResponseBlocks      []string `yaml:"response_blocks,omitempty"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every referenced block exists and the current
// pointer names a real variant.
func (c *Catalog) Validate() error {
	if len(c.Prompts) == 0 {
		return fmt.Errorf("prompt catalog declares no variants")
	}
	if c.Current == "" {
		return fmt.Errorf("prompt catalog has no current variant")
	}
	if _, ok := c.Prompts[c.Current]; !ok {
		return fmt.Errorf("current variant %q is not declared", c.Current)
	}

	for name, variant := range c.Prompts {
		lists := [][]string{
			variant.SystemBlocks, variant.UnderstandingBlocks,
			variant.ToolPlanningBlocks, variant.ResponseBlocks,
		}
		for _, profile := range variant.Profiles {
			lists = append(lists,
				profile.SystemBlocks, profile.UnderstandingBlocks,
				profile.ToolPlanningBlocks, profile.ResponseBlocks)
		}
		for _, list := range lists {
			for _, block := range list {
				if _, ok := c.Blocks[block]; !ok {
					return fmt.Errorf("variant %q references unknown block %q", name, block)
				}
			}
		}
	}
	return nil
}

// blocksFor resolves the block list for one variant, phase, and channel.
// Channel profiles override per phase; an absent override falls through
// to the variant's default.
func (c *Catalog) blocksFor(variantName, phase, channel string) ([]string, error) {
	variant, ok := c.Prompts[variantName]
	if !ok {
		return nil, fmt.Errorf("unknown variant %q", variantName)
	}

	var base, override []string
	profile, hasProfile := variant.Profiles[channel]
	switch phase {
	case PhaseSystem:
		base = variant.SystemBlocks
		if hasProfile {
			override = profile.SystemBlocks
		}
	case PhaseUnderstanding:
		base = variant.UnderstandingBlocks
		if hasProfile {
			override = profile.UnderstandingBlocks
		}
	case PhaseToolPlanning:
		base = variant.ToolPlanningBlocks
		if hasProfile {
			override = profile.ToolPlanningBlocks
		}
	case PhaseResponse:
		base = variant.ResponseBlocks
		if hasProfile {
			override = profile.ResponseBlocks
		}
	default:
		return nil, fmt.Errorf("unknown prompt phase %q", phase)
	}

	if len(override) > 0 {
		return override, nil
	}
	return base, nil
}

// VariantNames lists the declared variants.
func (c *Catalog) VariantNames() []string {
	names := make([]string, 0, len(c.Prompts))
	for name := range c.Prompts {
		names = append(names, name)
	}
	return names
}
