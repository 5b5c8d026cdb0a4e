package pattern

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
	yamlv3 "gopkg.in/yaml.v3"
)

// rulesFile is the optional on-disk rule table. When present it replaces
// the built-in table entirely, so operators control ordering explicitly.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Loader loads the rule table from a YAML file, falling back to the
// built-in defaults when no file is configured or present. Concurrent
// loads of the same path are collapsed through singleflight.
type Loader struct {
	path string

	mu     sync.RWMutex
	cached *Matcher
	group  singleflight.Group
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load returns the current matcher, reading the file at most once per
// concurrent burst. The result is cached until Invalidate is called.
func (l *Loader) Load() (*Matcher, error) {
	l.mu.RLock()
	cached := l.cached
	l.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := l.group.Do("rules", func() (any, error) {
		m, err := l.load()
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cached = m
		l.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Matcher), nil
}

// Invalidate drops the cached table so the next Load re-reads the file.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

func (l *Loader) load() (*Matcher, error) {
	if l.path == "" {
		return NewMatcher(DefaultRules())
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMatcher(DefaultRules())
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file rulesFile
	if err := yamlv3.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", l.path)
	}
	return NewMatcher(file.Rules)
}
