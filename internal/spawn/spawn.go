// Package spawn launches and releases agent child processes on request. The
// router marks a child spawning before Spawn runs, so messages addressed to
// it are queued until its HELLO arrives; this package only owns the process
// lifecycle.
package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relayd/internal/protocol"
)

// killGrace is how long a released child gets to exit after SIGTERM before
// it is killed.
const killGrace = 5 * time.Second

type child struct {
	cmd  *exec.Cmd
	done chan struct{} // closed when the process is reaped
}

// Manager implements router.Spawner. Safe for concurrent use.
type Manager struct {
	socketPath string
	log        zerolog.Logger

	mu       sync.Mutex
	children map[string]*child
}

// New creates a manager. socketPath is exported to children so they can dial
// back in.
func New(socketPath string, log zerolog.Logger) *Manager {
	return &Manager{
		socketPath: socketPath,
		log:        log.With().Str("component", "spawn").Logger(),
		children:   make(map[string]*child),
	}
}

// Spawn launches the agent command. The CLI field is a command line; the
// child learns its name, task and the daemon socket from the environment.
func (m *Manager) Spawn(req protocol.SpawnPayload) protocol.SpawnResultPayload {
	fail := func(msg string) protocol.SpawnResultPayload {
		return protocol.SpawnResultPayload{Success: false, Name: req.Name, Error: msg}
	}
	argv := strings.Fields(req.CLI)
	if len(argv) == 0 {
		return fail("spawn requires a cli command")
	}

	m.mu.Lock()
	if _, exists := m.children[req.Name]; exists {
		m.mu.Unlock()
		return fail(fmt.Sprintf("agent %s is already running", req.Name))
	}
	m.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(),
		"RELAY_SOCKET_PATH="+m.socketPath,
		"RELAY_AGENT_NAME="+req.Name,
		"RELAY_AGENT_TASK="+req.Task,
		"RELAY_AGENT_MODEL="+req.Model,
	)
	if err := cmd.Start(); err != nil {
		return fail(fmt.Sprintf("failed to start %s: %v", argv[0], err))
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.children[req.Name] = c
	m.mu.Unlock()

	go m.reap(req.Name, c)

	m.log.Info().Str("name", req.Name).Str("cli", argv[0]).
		Int("pid", cmd.Process.Pid).Msg("agent spawned")
	return protocol.SpawnResultPayload{Success: true, Name: req.Name, PID: cmd.Process.Pid}
}

func (m *Manager) reap(name string, c *child) {
	err := c.cmd.Wait()
	close(c.done)

	m.mu.Lock()
	if m.children[name] == c {
		delete(m.children, name)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Str("name", name).Msg("agent exited")
	} else {
		m.log.Info().Str("name", name).Msg("agent exited")
	}
}

// Release stops a spawned agent: SIGTERM, then SIGKILL after the grace
// period.
func (m *Manager) Release(req protocol.ReleasePayload) protocol.ReleaseResultPayload {
	m.mu.Lock()
	c, ok := m.children[req.Name]
	m.mu.Unlock()
	if !ok {
		return protocol.ReleaseResultPayload{
			Success: false, Name: req.Name,
			Error: fmt.Sprintf("agent %s is not running", req.Name),
		}
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone between lookup and signal.
		return protocol.ReleaseResultPayload{Success: true, Name: req.Name}
	}
	select {
	case <-c.done:
	case <-time.After(killGrace):
		c.cmd.Process.Kill()
		<-c.done
	}
	m.log.Info().Str("name", req.Name).Msg("agent released")
	return protocol.ReleaseResultPayload{Success: true, Name: req.Name}
}

// AgentConnected is the router's notification that a child's HELLO arrived.
func (m *Manager) AgentConnected(name string) {
	m.mu.Lock()
	_, spawned := m.children[name]
	m.mu.Unlock()
	if spawned {
		m.log.Debug().Str("name", name).Msg("spawned agent is live")
	}
}

// Running reports whether name has a live child process.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.children[name]
	return ok
}

// StopAll releases every child; used on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.children))
	for name := range m.children {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Release(protocol.ReleasePayload{Name: name})
	}
}
