package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

// FunctionRegistry holds the function schemas personas may reference by name.
type FunctionRegistry struct {
	byName map[string]chat.FunctionSchema
}

type functionsFile struct {
	Functions []chat.FunctionSchema `yaml:"functions"`
}

// NewFunctionRegistry indexes defs by name. Duplicate or unnamed entries are rejected.
func NewFunctionRegistry(defs []chat.FunctionSchema) (*FunctionRegistry, error) {
	reg := &FunctionRegistry{byName: make(map[string]chat.FunctionSchema, len(defs))}
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("persona: function %d has no name", i)
		}
		if _, dup := reg.byName[name]; dup {
			return nil, fmt.Errorf("persona: function %q declared twice", name)
		}
		def.Name = name
		reg.byName[name] = def
	}
	return reg, nil
}

// LoadFunctions reads a YAML functions file:
//
//	functions:
//	  - name: sendEmail
//	    description: Send an email
//	    parameters: {type: object, properties: {...}}
//
// An empty path yields an empty registry.
func LoadFunctions(path string) (*FunctionRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return NewFunctionRegistry(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read functions file %s: %w", path, err)
	}
	var file functionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse functions file %s: %w", path, err)
	}
	return NewFunctionRegistry(file.Functions)
}

// Resolve returns the schemas for names in the given order. Unknown names are an error.
func (r *FunctionRegistry) Resolve(names []string) ([]chat.FunctionSchema, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]chat.FunctionSchema, 0, len(names))
	for _, name := range names {
		def, ok := r.byName[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("persona: unknown function %q", name)
		}
		out = append(out, def)
	}
	return out, nil
}

// Names lists the registered function names, sorted.
func (r *FunctionRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
