// Package prompts holds the system prompts of the interaction and
// execution agents. The embedded catalog can be overridden per key from a
// YAML file.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultCatalog []byte

// Catalog is the set of prompt templates.
type Catalog struct {
	Interaction string `yaml:"interaction"`
	Execution   string `yaml:"execution"`
}

// Default returns the embedded catalog.
func Default() Catalog {
	var c Catalog
	if err := yaml.Unmarshal(defaultCatalog, &c); err != nil {
		panic(fmt.Sprintf("embedded prompt catalog is invalid: %v", err))
	}
	return c.trimmed()
}

// Load returns the embedded catalog with any non-empty keys from the YAML
// file at path applied on top. An empty path returns Default().
func Load(path string) (Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading prompt file: %w", err)
	}
	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Catalog{}, fmt.Errorf("parsing prompt file %s: %w", path, err)
	}
	override = override.trimmed()
	if override.Interaction != "" {
		c.Interaction = override.Interaction
	}
	if override.Execution != "" {
		c.Execution = override.Execution
	}
	return c, nil
}

// ExecutionFor renders the execution template for agentName.
func (c Catalog) ExecutionFor(agentName string) string {
	r := strings.NewReplacer(
		"{{agent_name}}", agentName,
		"{{agent_purpose}}", "Handle tasks related to: "+agentName,
	)
	return r.Replace(c.Execution)
}

func (c Catalog) trimmed() Catalog {
	return Catalog{
		Interaction: strings.TrimSpace(c.Interaction),
		Execution:   strings.TrimSpace(c.Execution),
	}
}
