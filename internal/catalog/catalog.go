// Package catalog derives the skill and agent catalogs published beside the
// registry. Definitions are small YAML files; the catalogs are read-only
// projections for the dashboard, recomputed each publish.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// Skill describes one runner skill definition.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Path        string `json:"path" yaml:"-"`
}

// Agent describes one agent definition.
type Agent struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Model       string `json:"model,omitempty" yaml:"model,omitempty"`
	Path        string `json:"path" yaml:"-"`
}

// Catalogs is the published pair.
type Catalogs struct {
	Skills []Skill
	Agents []Agent
}

// LoadSkills scans dir for YAML skill definitions. A missing directory is an
// empty catalog; malformed files are skipped and reported, never fatal.
func LoadSkills(dir string) ([]Skill, []error) {
	var skills []Skill
	errs := scanYAML(dir, func(path string, data []byte) error {
		var s Skill
		if err := yamlv3.Unmarshal(data, &s); err != nil {
			return err
		}
		if s.Name == "" {
			s.Name = defName(path)
		}
		s.Path = path
		skills = append(skills, s)
		return nil
	})
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, errs
}

// LoadAgents scans dir for YAML agent definitions.
func LoadAgents(dir string) ([]Agent, []error) {
	var agents []Agent
	errs := scanYAML(dir, func(path string, data []byte) error {
		var a Agent
		if err := yamlv3.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.Name == "" {
			a.Name = defName(path)
		}
		a.Path = path
		agents = append(agents, a)
		return nil
	})
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, errs
}

// Load builds both catalogs.
func Load(skillsDir, agentsDir string) (*Catalogs, []error) {
	skills, errs1 := LoadSkills(skillsDir)
	agents, errs2 := LoadAgents(agentsDir)
	return &Catalogs{Skills: skills, Agents: agents}, append(errs1, errs2...)
}

func scanYAML(dir string, parse func(path string, data []byte) error) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read catalog dir %s: %w", dir, err)}
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		if err := parse(path, data); err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", path, err))
		}
	}
	return errs
}

func defName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base
}
