package countstat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCatalogFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()

	writeCatalogFile(t, dir, "messages_sent_day.yaml", `
property: "messages_sent:day"
interval: day
kind: pull
scopes:
  - user
  - stream
source_event: message_sent
subgroup: true
dedup: delete
`)
	writeCatalogFile(t, dir, "minutes_active_day.yaml", `
property: "minutes_active:day"
interval: day
kind: logging
scopes:
  - user
dedup: sum
`)
	// Non-YAML files are ignored.
	writeCatalogFile(t, dir, "README.md", "not a stat")

	registry, err := LoadCatalog(dir)
	require.NoError(t, err)
	require.Equal(t, 2, registry.Len())

	msg, err := registry.Get("messages_sent:day")
	require.NoError(t, err)
	require.Equal(t, IntervalDay, msg.Interval)
	require.Equal(t, KindPull, msg.Kind)
	require.Equal(t, "message_sent", msg.SourceEvent)
	require.True(t, msg.HasSubgroup)
	require.Equal(t, DedupDelete, msg.Dedup)
	require.ElementsMatch(t, []Scope{ScopeUser, ScopeStream}, msg.ScopeSet)

	active, err := registry.Get("minutes_active:day")
	require.NoError(t, err)
	require.Equal(t, KindLogging, active.Kind)
	require.Empty(t, active.SourceEvent)

	// The loaded registry is frozen.
	err = registry.Register(validStat())
	require.Error(t, err)
	require.Contains(t, err.Error(), "frozen")
}

func TestLoadCatalogMissingDir(t *testing.T) {
	registry, err := LoadCatalog(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, 0, registry.Len())
}

func TestLoadCatalogInvalidStat(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "bad.yaml", `
property: "broken:day"
interval: day
kind: pull
scopes:
  - user
`)

	_, err := LoadCatalog(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "source_event")
}

func TestLoadCatalogBadYaml(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "garbage.yaml", "property: [unclosed")

	_, err := LoadCatalog(dir)
	require.Error(t, err)
}
