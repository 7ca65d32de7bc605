package provider

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed profiles/madrid_performing_arts.yaml
var defaultProfileYAML []byte

// Output describes one derived field.
type Output struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Enum        []string `yaml:"enum,omitempty"`
}

// Profile describes the transformation applied to every record: which
// source fields are sent, which fields come back, and how to ask for them.
type Profile struct {
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt"`
	InputFields  []string `yaml:"input_fields"`
	Outputs      []Output `yaml:"outputs"`
}

// DefaultProfile returns the built-in Madrid performing-arts profile.
func DefaultProfile() (*Profile, error) {
	return ParseProfile(defaultProfileYAML)
}

// LoadProfile reads a profile from a YAML file. An empty path returns the
// built-in profile.
func LoadProfile(path string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProfile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the profile is usable.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile: name is required")
	}
	if len(p.Outputs) == 0 {
		return errors.New("profile: at least one output is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("profile %s: temperature must be between 0 and 2", p.Name)
	}
	seen := make(map[string]bool, len(p.Outputs))
	for _, o := range p.Outputs {
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("profile %s: output with empty name", p.Name)
		}
		if model.IsBookkeeping(o.Name) {
			return fmt.Errorf("profile %s: output %q collides with a bookkeeping column", p.Name, o.Name)
		}
		if seen[o.Name] {
			return fmt.Errorf("profile %s: duplicate output %q", p.Name, o.Name)
		}
		seen[o.Name] = true
	}
	return nil
}

// OutputNames returns the declared output names in declaration order.
func (p *Profile) OutputNames() []string {
	names := make([]string, len(p.Outputs))
	for i, o := range p.Outputs {
		names[i] = o.Name
	}
	return names
}

// Input selects the profile's input fields from rec. With no input fields
// declared every source field is used. Nil and empty-string values are
// dropped.
func (p *Profile) Input(rec model.Record) map[string]any {
	in := make(map[string]any)
	pick := func(k string, v any) {
		if v == nil {
			return
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return
		}
		in[k] = v
	}
	if len(p.InputFields) == 0 {
		for k, v := range rec.Fields {
			pick(k, v)
		}
		return in
	}
	for _, k := range p.InputFields {
		pick(k, rec.Fields[k])
	}
	return in
}

// Instructions renders the system prompt followed by the response contract.
func (p *Profile) Instructions() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))
	b.WriteString("\n\nRespond with ONLY a JSON object with exactly these keys:\n")
	for _, o := range p.Outputs {
		fmt.Fprintf(&b, "- %q: %s", o.Name, o.Description)
		if len(o.Enum) > 0 {
			fmt.Fprintf(&b, " (one of: %s)", strings.Join(o.Enum, ", "))
		}
		b.WriteByte('\n')
	}
	b.WriteString("Do not include any text outside the JSON object.")
	return b.String()
}

// UserMessage renders the record input as the user turn. Keys are
// emitted in sorted order so prompts are stable.
func (p *Profile) UserMessage(input map[string]any) (string, error) {
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", err
	}
	return "Listing:\n" + string(data), nil
}

// Filter keeps declared outputs only, drops nulls and values outside an
// output's enum.
func (p *Profile) Filter(raw map[string]any) model.Patch {
	patch := make(model.Patch)
	for _, o := range p.Outputs {
		v, ok := raw[o.Name]
		if !ok || v == nil {
			continue
		}
		if len(o.Enum) > 0 {
			s, isString := v.(string)
			if !isString || !contains(o.Enum, strings.ToLower(strings.TrimSpace(s))) {
				continue
			}
			v = strings.ToLower(strings.TrimSpace(s))
		}
		patch[o.Name] = v
	}
	return patch
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
