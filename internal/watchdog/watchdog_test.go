package watchdog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/ledger"
)

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (s *sinkRecorder) sink(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sinkRecorder) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

type testEnv struct {
	outbox  string
	archive string
	ledger  *ledger.Ledger
	sink    *sinkRecorder
	wd      *Watchdog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	led, err := ledger.Open(filepath.Join(root, "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	cfg := config.WatchdogConfig{
		SettleMs:             50,
		StabilityProbeMs:     5,
		MalformedTimeoutSecs: 10,
		ReconcileSeconds:     3600,
		CleanupSeconds:       3600,
		StaleSeconds:         60,
		MaxMessageBytes:      1 << 20,
		MaxAttachmentBytes:   10 << 20,
		OrphanedPendingSecs:  30,
		ArchiveRetentionDays: 7,
	}
	env := &testEnv{
		outbox:  filepath.Join(root, "outbox"),
		archive: filepath.Join(root, "archive"),
		ledger:  led,
		sink:    &sinkRecorder{},
	}
	env.wd = New(cfg, env.outbox, env.archive, led, env.sink.sink, nil, zerolog.Nop())
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.wd.Start())
	t.Cleanup(func() { e.wd.Stop() })
}

func (e *testEnv) writeFile(t *testing.T, agent, name, content string) string {
	t.Helper()
	dir := filepath.Join(e.outbox, agent)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitialScanDeliversAndArchives(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "Alice", "msg", "TO: Bob\nTYPE: send\n\nhello from a file")

	env.start(t)

	msgs := env.sink.messages()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "Alice", m.AgentName)
	assert.Equal(t, "msg", m.MessageType)
	assert.Equal(t, "Bob", m.Headers["TO"])
	assert.Equal(t, "hello from a file", m.Body)

	// Source is gone; archive holds <fileId>-<type> under today's date.
	_, err := os.Lstat(path)
	assert.True(t, os.IsNotExist(err))

	rec, err := env.ledger.GetByID(m.FileID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusArchived, rec.Status)
	require.NotEmpty(t, rec.ArchivePath)
	assert.Contains(t, rec.ArchivePath, filepath.Join("Alice", time.Now().Format("2006-01-02")))
	_, err = os.Stat(rec.ArchivePath)
	assert.NoError(t, err)
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	// New agent directory and file appear after startup.
	env.writeFile(t, "Bob", "note", "TO: Alice\n\nlive event")

	require.Eventually(t, func() bool {
		return len(env.sink.messages()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Bob", env.sink.messages()[0].AgentName)
}

func TestSinkFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.sink.err = assert.AnError
	path := env.writeFile(t, "Alice", "msg", "TO: Bob\n\nwill not deliver")

	env.start(t)

	ok, err := env.ledger.IsFileRegistered(path)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := env.ledger.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	// The file stays on disk; failed rows are not archived automatically.
	_, err = os.Lstat(path)
	assert.NoError(t, err)
}

func TestIgnoredAndInvalidFiles(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "Alice", ".hidden", "x")
	env.writeFile(t, "Alice", "draft.tmp", "x")
	env.writeFile(t, "Alice", "sidecar.pending", "x")
	env.writeFile(t, "Alice", "empty", "")

	// A symlink payload must never be followed.
	realFile := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(realFile, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(realFile, filepath.Join(env.outbox, "Alice", "link")))

	env.start(t)

	assert.Empty(t, env.sink.messages())
	stats, err := env.ledger.GetStats()
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{}, stats)
}

func TestClaimLoserSkipsQuietly(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "Alice", "msg", "TO: Bob\n\nonce only")
	env.start(t)

	require.Len(t, env.sink.messages(), 1)
	fileID := env.sink.messages()[0].FileID

	// Re-processing an already settled row is a no-op.
	env.wd.process(fileID)
	assert.Len(t, env.sink.messages(), 1)

	_, err := os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyThenUnlink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "nested", "dest")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))

	require.NoError(t, copyThenUnlink(src, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	_, err = os.Lstat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestIgnoredNames(t *testing.T) {
	for name, want := range map[string]bool{
		".DS_Store":    true,
		"msg.pending":  true,
		"msg.tmp":      true,
		"msg.swp":      true,
		"msg~":         true,
		"msg":          false,
		"review-notes": false,
	} {
		assert.Equal(t, want, ignored(name), "name %q", name)
	}
}

func TestOrphanedPendingCleanup(t *testing.T) {
	env := newTestEnv(t)
	stale := env.writeFile(t, "Alice", "old.pending", "x")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	fresh := env.writeFile(t, "Alice", "new.pending", "x")

	env.start(t)
	env.wd.cleanup()

	_, err := os.Lstat(stale)
	assert.True(t, os.IsNotExist(err), "old sidecar should be removed")
	_, err = os.Lstat(fresh)
	assert.NoError(t, err, "fresh sidecar should survive")
}
