package extensions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const screenTime = `
id: screen-time
name: Screen Time
version: 1.0.0
monitors:
  - id: active-window
    script_file: active_window.ps1
    platforms: [windows]
    config:
      interval_ms: 60000
actions:
  - id: lock
    script: "rundll32.exe user32.dll,LockWorkStation"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "screen-time", "plugin.yaml"), screenTime)
	writeFile(t, filepath.Join(dir, "screen-time", "active_window.ps1"), "Get-Process")
	writeFile(t, filepath.Join(dir, "bedtime.yml"), "id: bedtime\nactions:\n  - id: shutdown\n    script: shutdown -h now\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	manifests, err := LoadManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	byID := map[string]Manifest{}
	for _, m := range manifests {
		byID[m.ID] = m
	}
	st := byID["screen-time"]
	mon, ok := st.Monitor("active-window")
	require.True(t, ok)
	assert.Equal(t, "Get-Process", mon.Script)
	assert.Equal(t, 60000, mon.Config["interval_ms"])
	assert.True(t, mon.SupportsPlatform("Windows"))
	assert.False(t, mon.SupportsPlatform("darwin"))

	lock, ok := st.Action("lock")
	require.True(t, ok)
	assert.True(t, lock.SupportsPlatform("linux"))

	_, ok = byID["bedtime"].Action("shutdown")
	assert.True(t, ok)
}

func TestParseManifest_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":        "name: x\n",
		"missing script":    "id: p\nmonitors:\n  - id: m\n",
		"duplicate monitor": "id: p\nmonitors:\n  - id: m\n    script: a\n  - id: m\n    script: b\n",
		"missing file":      "id: p\nactions:\n  - id: a\n    script_file: nope.sh\n",
		"bad yaml":          "id: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(data), t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoadManifests_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "id: same\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "id: same\n")

	_, err := LoadManifests(dir)
	assert.ErrorContains(t, err, "duplicate plugin id")
}

type stubHandler struct {
	dataErr error
	panics  bool
	seen    []DataEntry
}

func (h *stubHandler) HandleData(_ context.Context, _ string, entry DataEntry) error {
	if h.panics {
		panic("boom")
	}
	h.seen = append(h.seen, entry)
	return h.dataErr
}

func (h *stubHandler) HandleActionResult(context.Context, string, ActionResult) error {
	return nil
}

func TestRegistry_Routing(t *testing.T) {
	ctx := context.Background()
	owned := &stubHandler{}
	failing := &stubHandler{dataErr: errors.New("bad sample")}
	panicking := &stubHandler{panics: true}

	r := NewRegistry(nil)
	r.SetHandler("owned", owned)
	r.SetHandler("failing", failing)
	r.SetHandler("panicking", panicking)

	require.NoError(t, r.RouteData(ctx, "agent-1", DataEntry{PluginID: "owned", MonitorID: "m"}))
	assert.Len(t, owned.seen, 1)

	assert.EqualError(t, r.RouteData(ctx, "agent-1", DataEntry{PluginID: "failing"}), "bad sample")
	assert.ErrorContains(t, r.RouteData(ctx, "agent-1", DataEntry{PluginID: "panicking"}), "panicked")
	assert.ErrorIs(t, r.RouteData(ctx, "agent-1", DataEntry{PluginID: "unknown"}), ErrNoHandler)
	assert.ErrorIs(t, r.RouteActionResult(ctx, "agent-1", ActionResult{PluginID: "unknown"}), ErrNoHandler)
}

func TestRegistry_FallbackPublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	r := NewRegistry(EventHandler{Publisher: bus})
	require.NoError(t, r.RouteData(ctx, "agent-1", DataEntry{PluginID: "any", MonitorID: "m"}))
	require.NoError(t, r.RouteActionResult(ctx, "agent-1", ActionResult{PluginID: "any", TriggerID: "t1"}))

	ev := <-ch
	assert.Equal(t, events.PluginData, ev.Type)
	assert.Equal(t, "agent-1", ev.AgentID)
	ev = <-ch
	assert.Equal(t, events.ActionResponded, ev.Type)
	assert.Equal(t, "t1", ev.Data["trigger_id"])
}

func TestRegistry_Manifests(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.AddManifest(Manifest{ID: "b"}))
	require.NoError(t, r.AddManifest(Manifest{ID: "a"}))
	assert.ErrorIs(t, r.AddManifest(Manifest{ID: "a"}), ErrDuplicatePlugin)

	all := r.Manifests()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	_, ok := r.Manifest("b")
	assert.True(t, ok)
	_, ok = r.Manifest("c")
	assert.False(t, ok)
}
