// Package catalog discovers workflow definitions from a filesystem source and
// reconciles them into the persisted catalog consulted at run start. Each
// definition is a directory holding a prompt template (prompt.md) and a small
// declarative config (workflow.yaml).
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	promptFile = "prompt.md"
	configFile = "workflow.yaml"
)

// Logger defines the logging interface for the catalog service
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// workflowConfig is the on-disk declarative config for one workflow
type workflowConfig struct {
	DisplayName       string   `yaml:"display_name"`
	AllowedTools      []string `yaml:"allowed_tools"`
	SuggestedMaxTurns int      `yaml:"suggested_max_turns"`
}

// Service reads workflow definitions from a root directory and syncs them
// into the store. Discovery is read-only and side-effect-free.
type Service struct {
	root   string
	store  storage.Store
	logger Logger
}

func NewService(root string, store storage.Store, logger Logger) *Service {
	return &Service{root: root, store: store, logger: logger}
}

// Discover returns the workflow definitions found under the source root.
func (s *Service) Discover() ([]models.WorkflowDefinition, error) {
	defs, errs := s.discover()
	for _, e := range errs {
		s.logger.Errorf("Discover: %s", e)
	}
	return defs, nil
}

func (s *Service) discover() ([]models.WorkflowDefinition, []string) {
	var defs []models.WorkflowDefinition
	var errs []string

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, []string{fmt.Sprintf("read workflow source %s: %v", s.root, err)}
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(s.root, name)

		prompt, err := os.ReadFile(filepath.Join(dir, promptFile))
		if err != nil {
			errs = append(errs, fmt.Sprintf("workflow %s: missing %s: %v", name, promptFile, err))
			continue
		}

		cfg := workflowConfig{}
		cfgBytes, err := os.ReadFile(filepath.Join(dir, configFile))
		if err != nil {
			errs = append(errs, fmt.Sprintf("workflow %s: missing %s: %v", name, configFile, err))
			continue
		}
		if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
			errs = append(errs, fmt.Sprintf("workflow %s: invalid %s: %v", name, configFile, err))
			continue
		}
		if cfg.DisplayName == "" {
			cfg.DisplayName = name
		}

		def := models.WorkflowDefinition{
			Name:              name,
			DisplayName:       cfg.DisplayName,
			Prompt:            string(prompt),
			AllowedTools:      cfg.AllowedTools,
			SuggestedMaxTurns: cfg.SuggestedMaxTurns,
			SourcePath:        dir,
		}
		def.Checksum = checksum(def)
		defs = append(defs, def)
	}
	return defs, errs
}

// checksum hashes the content that matters for change detection
func checksum(w models.WorkflowDefinition) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%d\n%s",
		w.Name, w.DisplayName, strings.Join(w.AllowedTools, ","), w.SuggestedMaxTurns, w.Prompt)
	return hex.EncodeToString(h.Sum(nil))
}

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Discovered int      `json:"discovered"`
	Registered int      `json:"registered"`
	Updated    int      `json:"updated"`
	Unchanged  int      `json:"unchanged"`
	Errors     []string `json:"errors"`
}

// Sync reconciles discovered definitions into the catalog: inserts new ones,
// updates changed ones, leaves identical ones untouched. Filesystem deletions
// are not propagated, so workflow names stay valid for in-flight runs.
func (s *Service) Sync() (SyncReport, error) {
	defs, errs := s.discover()
	report := SyncReport{Discovered: len(defs), Errors: errs}
	if report.Errors == nil {
		report.Errors = []string{}
	}

	for _, def := range defs {
		existing, err := s.store.GetWorkflowByName(def.Name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			now := time.Now()
			def.CreatedAt = now
			def.UpdatedAt = now
			if err := s.store.SaveWorkflow(def); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("register %s: %v", def.Name, err))
				continue
			}
			report.Registered++
			s.logger.Infof("Registered workflow '%s'", def.Name)
		case err != nil:
			report.Errors = append(report.Errors, fmt.Sprintf("lookup %s: %v", def.Name, err))
		case existing.Checksum != def.Checksum:
			def.CreatedAt = existing.CreatedAt
			def.UpdatedAt = time.Now()
			if err := s.store.UpdateWorkflow(def); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("update %s: %v", def.Name, err))
				continue
			}
			report.Updated++
			s.logger.Infof("Updated workflow '%s'", def.Name)
		default:
			report.Unchanged++
		}
	}
	return report, nil
}
