package persona

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-relay/internal/store"
)

// ImportFile is the on-disk persona format. JSON files use the same keys.
type ImportFile struct {
	Version     string            `yaml:"version"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	System      string            `yaml:"system"`
	Properties  map[string]string `yaml:"properties"`
	Functions   []string          `yaml:"functions"`
}

// ImportStore is the subset of store.Store the importer writes through.
type ImportStore interface {
	PersonaByName(ctx context.Context, name string) (store.Persona, error)
	SavePersona(ctx context.Context, p store.Persona) (store.Persona, error)
}

// ImportResult summarises one import run.
type ImportResult struct {
	Imported []string
	Skipped  []string
}

// Importer loads persona files from a directory into the store.
type Importer struct {
	store     ImportStore
	functions *FunctionRegistry
	logger    *log.Logger
}

// NewImporter builds an importer. functions may be nil to skip reference checks.
func NewImporter(s ImportStore, functions *FunctionRegistry, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Importer{store: s, functions: functions, logger: logger}
}

// ImportDir imports every *.yaml, *.yml and *.json file in dir, in name order.
// Personas whose name already exists are skipped. A missing directory is not an error.
func (im *Importer) ImportDir(ctx context.Context, dir string) (ImportResult, error) {
	var res ImportResult
	if strings.TrimSpace(dir) == "" {
		return res, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		im.logger.Printf("persona import directory %s not found, skipping", dir)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read persona import dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		def, err := ReadImportFile(path)
		if err != nil {
			return res, err
		}
		imported, err := im.importOne(ctx, def)
		if err != nil {
			return res, fmt.Errorf("import persona from %s: %w", filepath.Base(path), err)
		}
		if imported {
			im.logger.Printf("imported persona %q from %s", def.Name, filepath.Base(path))
			res.Imported = append(res.Imported, def.Name)
		} else {
			im.logger.Printf("persona %q exists, import skipped", def.Name)
			res.Skipped = append(res.Skipped, def.Name)
		}
	}
	return res, nil
}

// ReadImportFile parses a persona file. JSON is a subset of YAML, so one decoder serves both.
func ReadImportFile(path string) (ImportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportFile{}, fmt.Errorf("failed to read persona file %s: %w", path, err)
	}
	var def ImportFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return ImportFile{}, fmt.Errorf("failed to parse persona file %s: %w", path, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return ImportFile{}, fmt.Errorf("persona file %s: name required", path)
	}
	return def, nil
}

func (im *Importer) importOne(ctx context.Context, def ImportFile) (bool, error) {
	_, err := im.store.PersonaByName(ctx, def.Name)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}
	if im.functions != nil {
		if _, err := im.functions.Resolve(def.Functions); err != nil {
			return false, err
		}
	}
	if _, err := ParseParameters(def.Properties, ""); err != nil {
		return false, err
	}
	_, err = im.store.SavePersona(ctx, store.Persona{
		Name:         def.Name,
		Description:  def.Description,
		SystemPrompt: def.System,
		Properties:   def.Properties,
		Functions:    def.Functions,
	})
	if errors.Is(err, store.ErrDuplicateName) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
