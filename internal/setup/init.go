// Package setup creates the .selftest/ state directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/profile"
	"github.com/msageha/selftestd/internal/store"
	atomicyaml "github.com/msageha/selftestd/internal/yaml"
	"github.com/msageha/selftestd/templates"
)

// StateDirName is the directory holding config, profile, results and logs.
const StateDirName = ".selftest"

var toolsLine = regexp.MustCompile(`(?m)^tools\s*=\s*\d+`)

// Run initializes .selftest/ inside dir for a printer with the given number
// of tools.
func Run(dir string, tools int) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	if tools < 1 || tools > profile.MaxTools {
		return fmt.Errorf("tools must be 1-%d, got %d", profile.MaxTools, tools)
	}

	base := filepath.Join(absDir, StateDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "locks", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig()
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := writeProfile(filepath.Join(base, cfg.Machine.Profile), tools); err != nil {
		return err
	}

	results, err := store.NewFileStore(filepath.Join(base, cfg.Store.Path), base, tools, nil)
	if err != nil {
		return err
	}
	if err := results.SaveResult(model.NewSelftestResult(tools)); err != nil {
		return fmt.Errorf("write %s: %w", cfg.Store.Path, err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

func generateConfig() (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// writeProfile writes the template profile with the tool count filled in,
// refusing to write one that does not load.
func writeProfile(path string, tools int) error {
	src, err := fs.ReadFile(templates.FS, "printer.hcl")
	if err != nil {
		return fmt.Errorf("read profile template: %w", err)
	}
	src = toolsLine.ReplaceAll(src, []byte(fmt.Sprintf("tools = %d", tools)))
	if _, err := profile.Parse(filepath.Base(path), src); err != nil {
		return fmt.Errorf("profile template: %w", err)
	}
	if err := os.WriteFile(path, src, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
