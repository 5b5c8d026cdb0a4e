package publish

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/model"
)

func sampleRegistry() *model.Registry {
	tasks := []model.Task{
		{
			ID: "session_a", Source: model.SourceSession, Status: model.StatusCompleted,
			Subject: "a", WorkingDir: "/tmp",
			Created: "2026-08-24T10:00:00Z", LastUpdated: "2026-08-24T10:00:00Z",
		},
	}
	return &model.Registry{
		Tasks:          tasks,
		Statistics:     model.ComputeStatistics(tasks),
		LastAggregated: "2026-08-24T10:00:00Z",
	}
}

func TestPublish_WritesAllThreeFiles(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	p.SetClock(func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	})

	cats := &catalog.Catalogs{
		Skills: []catalog.Skill{{Name: "review"}},
		Agents: []catalog.Agent{{Name: "worker", Model: "sonnet"}},
	}

	res, err := p.Publish(sampleRegistry(), cats)
	require.NoError(t, err)
	assert.Equal(t, []string{"registry.json", "skills.json", "agents.json"}, res.Files)
	assert.Equal(t, 1, res.TaskCount)
	assert.Equal(t, "2026-08-24T12:00:00Z", res.PublishedAt)

	var reg model.Registry
	data, err := os.ReadFile(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &reg))
	assert.Equal(t, "session_a", reg.Tasks[0].ID)

	var skills struct {
		Generated string          `json:"generated"`
		Skills    []catalog.Skill `json:"skills"`
	}
	data, err = os.ReadFile(filepath.Join(dir, "skills.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &skills))
	assert.Equal(t, "review", skills.Skills[0].Name)
}

func TestPublish_ReplaceNeverLeavesMissingFile(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	_, err := p.Publish(sampleRegistry(), nil)
	require.NoError(t, err)

	// Second publish over existing files: the old content must be backed
	// up and the file must exist throughout (replace, not delete+create).
	reg := sampleRegistry()
	reg.Tasks[0].Status = model.StatusFailed
	_, err = p.Publish(reg, nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "registry.json.bak"))
	assert.NoError(t, err, "previous version must be kept as .bak")

	var published model.Registry
	data, err := os.ReadFile(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &published))
	assert.Equal(t, model.StatusFailed, published.Tasks[0].Status)
}

func TestPublish_FailureReportsFileAndLeavesLocalStateValid(t *testing.T) {
	dir := t.TempDir()
	// A file standing in the way of the published dir forces MkdirAll to fail.
	blocked := filepath.Join(dir, "published")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0644))

	p := New(blocked)
	_, err := p.Publish(sampleRegistry(), nil)
	require.Error(t, err)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "registry.json", pubErr.File)
}

func TestReadPublished_MissingMeansNotPublishedYet(t *testing.T) {
	reg, err := ReadPublished(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, reg)
}
