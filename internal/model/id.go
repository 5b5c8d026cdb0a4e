package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Source identifies where a task record originated. The prefix of a task ID
// is fixed per source and is part of the wire contract consumed by the
// dashboard; it must not change without migrating all consumers.
type Source string

const (
	SourceScheduled Source = "scheduled"
	SourceSession   Source = "session"
	SourceProject   Source = "project"
)

const (
	PrefixScheduled = "sched"
	PrefixSession   = "session"
	PrefixProject   = "project"
	// PrefixLocal marks dashboard-originated drafts that have not been
	// merged into the authoritative registry yet.
	PrefixLocal = "local"
)

var sourcePrefixes = map[Source]string{
	SourceScheduled: PrefixScheduled,
	SourceSession:   PrefixSession,
	SourceProject:   PrefixProject,
}

var idRegex = regexp.MustCompile(`^(sched|session|project|local)_[A-Za-z0-9][A-Za-z0-9._\-]*$`)

var keySanitizer = regexp.MustCompile(`[^A-Za-z0-9._\-]+`)

func ValidSource(s Source) bool {
	_, ok := sourcePrefixes[s]
	return ok
}

// TaskID builds the registry identifier for a record of the given source.
// The local key must be stable across reads of the same source so repeated
// aggregation yields the same ID set.
func TaskID(source Source, localKey string) (string, error) {
	prefix, ok := sourcePrefixes[source]
	if !ok {
		return "", fmt.Errorf("invalid source: %s", source)
	}
	key := keySanitizer.ReplaceAllString(strings.TrimSpace(localKey), "-")
	key = strings.Trim(key, "-")
	if key == "" {
		return "", fmt.Errorf("empty local key for source %s", source)
	}
	id := prefix + "_" + key
	if !idRegex.MatchString(id) {
		return "", fmt.Errorf("invalid ID produced from key %q", localKey)
	}
	return id, nil
}

// NewDraftID generates a client-style local_* identifier for a draft.
func NewDraftID() string {
	return PrefixLocal + "_" + uuid.NewString()
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, PrefixLocal+"_")
}

// ParseIDSource maps an identifier back to its originating source.
// local_* drafts have no source until merged and return an error.
func ParseIDSource(id string) (Source, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	prefix := id[:strings.IndexByte(id, '_')]
	for src, p := range sourcePrefixes {
		if p == prefix {
			return src, nil
		}
	}
	return "", fmt.Errorf("ID %s carries no source (local draft)", id)
}
