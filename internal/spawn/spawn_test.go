package spawn

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-relay/relayd/internal/protocol"
)

func TestSpawnAndRelease(t *testing.T) {
	m := New("/tmp/relayd.sock", zerolog.Nop())
	t.Cleanup(m.StopAll)

	res := m.Spawn(protocol.SpawnPayload{Name: "worker", CLI: "sleep 30"})
	require.True(t, res.Success, res.Error)
	assert.Positive(t, res.PID)
	assert.True(t, m.Running("worker"))

	rel := m.Release(protocol.ReleasePayload{Name: "worker"})
	assert.True(t, rel.Success)
	require.Eventually(t, func() bool { return !m.Running("worker") },
		2*time.Second, 10*time.Millisecond)
}

func TestSpawnUnknownBinaryFails(t *testing.T) {
	m := New("/tmp/relayd.sock", zerolog.Nop())

	res := m.Spawn(protocol.SpawnPayload{Name: "x", CLI: "definitely-not-a-real-binary-42"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.False(t, m.Running("x"))
}

func TestSpawnDuplicateNameRejected(t *testing.T) {
	m := New("/tmp/relayd.sock", zerolog.Nop())
	t.Cleanup(m.StopAll)

	require.True(t, m.Spawn(protocol.SpawnPayload{Name: "dup", CLI: "sleep 30"}).Success)
	res := m.Spawn(protocol.SpawnPayload{Name: "dup", CLI: "sleep 30"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already running")
}

func TestReleaseUnknownAgent(t *testing.T) {
	m := New("/tmp/relayd.sock", zerolog.Nop())

	res := m.Release(protocol.ReleasePayload{Name: "ghost"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not running")
}

func TestChildReapedOnExit(t *testing.T) {
	m := New("/tmp/relayd.sock", zerolog.Nop())

	res := m.Spawn(protocol.SpawnPayload{Name: "brief", CLI: "true"})
	require.True(t, res.Success)
	require.Eventually(t, func() bool { return !m.Running("brief") },
		2*time.Second, 10*time.Millisecond)
}

func TestSpawnEmptyCLI(t *testing.T) {
	m := New("/tmp/relayd.sock", zerolog.Nop())
	res := m.Spawn(protocol.SpawnPayload{Name: "x"})
	assert.False(t, res.Success)
}
