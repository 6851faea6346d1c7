package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/button-layout-v1.json
var buttonLayoutSchemaJSON string

// ButtonLayout is the button file: either a list of buttons or an XML layout.
type ButtonLayout struct {
	Buttons []Button `yaml:"buttons" json:"buttons,omitempty"`
	XML     string   `yaml:"xml" json:"xml,omitempty"`
}

type Button struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// ButtonTarget is what a layout is applied to.
type ButtonTarget interface {
	AddButton(ctx context.Context, name string, id int) error
	SetButtonLayout(ctx context.Context, xml string) error
}

type LayoutValidator struct {
	schema *jsonschema.Schema
}

func NewLayoutValidator() (*LayoutValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("button-layout-v1.json",
		strings.NewReader(buttonLayoutSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("button-layout-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &LayoutValidator{schema: schema}, nil
}

// Validate checks a layout document given as JSON.
func (v *LayoutValidator) Validate(data []byte) error {
	var layout interface{}
	if err := json.Unmarshal(data, &layout); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(layout); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// LoadButtonLayout reads and validates a YAML layout file.
func LoadButtonLayout(path string) (*ButtonLayout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read button layout: %w", err)
	}

	layout, err := ParseButtonLayout(data)
	if err != nil {
		return nil, fmt.Errorf("button layout %s: %w", path, err)
	}
	return layout, nil
}

// ParseButtonLayout decodes YAML, validates it against the layout schema and
// rejects duplicate button ids.
func ParseButtonLayout(data []byte) (*ButtonLayout, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	// The schema validator works on JSON values.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to JSON: %w", err)
	}

	validator, err := NewLayoutValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(asJSON); err != nil {
		return nil, err
	}

	var layout ButtonLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
	}

	seen := make(map[int]bool, len(layout.Buttons))
	for _, b := range layout.Buttons {
		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate button id %d", b.ID)
		}
		seen[b.ID] = true
	}
	return &layout, nil
}

// Map returns the buttons keyed by id.
func (l *ButtonLayout) Map() map[int]string {
	buttons := make(map[int]string, len(l.Buttons))
	for _, b := range l.Buttons {
		buttons[b.ID] = b.Name
	}
	return buttons
}

// Apply pushes the layout to target.
func (l *ButtonLayout) Apply(ctx context.Context, target ButtonTarget) error {
	if l.XML != "" {
		return target.SetButtonLayout(ctx, l.XML)
	}
	for _, b := range l.Buttons {
		if err := target.AddButton(ctx, b.Name, b.ID); err != nil {
			return fmt.Errorf("add button %d: %w", b.ID, err)
		}
	}
	return nil
}
