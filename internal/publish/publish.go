// Package publish syncs the registry and derived catalogs into the
// published directory consumed by the dashboard. Every file is replaced
// atomically; a dashboard reader never observes a missing or half-written
// file, so there is no delete-then-recreate window.
package publish

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/jsonfile"
	"github.com/wardenhq/warden/internal/model"
)

const (
	registryFile = "registry.json"
	skillsFile   = "skills.json"
	agentsFile   = "agents.json"
)

// PublishError carries the file that failed. Local state stays valid; the
// daemon retries on the next cycle.
type PublishError struct {
	File string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.File, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Result reports what a publish pass wrote.
type Result struct {
	Dir         string
	Files       []string
	TaskCount   int
	PublishedAt string
}

type skillsDoc struct {
	Generated string          `json:"generated"`
	Skills    []catalog.Skill `json:"skills"`
}

type agentsDoc struct {
	Generated string          `json:"generated"`
	Agents    []catalog.Agent `json:"agents"`
}

// Publisher writes the published directory.
type Publisher struct {
	dir string
	now func() time.Time
}

func New(dir string) *Publisher {
	return &Publisher{dir: dir, now: time.Now}
}

// SetClock overrides the time source for tests.
func (p *Publisher) SetClock(now func() time.Time) {
	p.now = now
}

// Publish writes registry.json plus both catalogs. It stops at the first
// failed file: files already replaced stay consistent on their own, and the
// next cycle rewrites everything.
func (p *Publisher) Publish(reg *model.Registry, cats *catalog.Catalogs) (*Result, error) {
	ts := p.now().UTC().Format(time.RFC3339)
	res := &Result{Dir: p.dir, TaskCount: len(reg.Tasks), PublishedAt: ts}

	if err := p.write(registryFile, reg, res); err != nil {
		return res, err
	}
	if cats == nil {
		cats = &catalog.Catalogs{}
	}
	if err := p.write(skillsFile, &skillsDoc{Generated: ts, Skills: cats.Skills}, res); err != nil {
		return res, err
	}
	if err := p.write(agentsFile, &agentsDoc{Generated: ts, Agents: cats.Agents}, res); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Publisher) write(name string, data any, res *Result) error {
	path := filepath.Join(p.dir, name)
	if err := jsonfile.AtomicWrite(path, data); err != nil {
		return &PublishError{File: name, Err: err}
	}
	res.Files = append(res.Files, name)
	return nil
}

// ReadPublished loads the published registry, for status display. Missing
// file means nothing has been published yet.
func ReadPublished(dir string) (*model.Registry, error) {
	var reg model.Registry
	err := jsonfile.Read(filepath.Join(dir, registryFile), &reg)
	if err != nil {
		if jsonfile.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &reg, nil
}
