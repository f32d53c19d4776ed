package worker

import (
	"os"
	"os/exec"

	"github.com/spindleworks/spindle/pkg/wire"
)

// Launcher describes how to start a worker process for a tool
type Launcher struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Command builds a launcher for an executable on disk
func Command(path string, args ...string) Launcher {
	return Launcher{Path: path, Args: args}
}

// cmd assembles the exec.Cmd for one spawn. The handshake cookie is
// injected so the worker knows it is being driven over pipes.
func (l Launcher) cmd() *exec.Cmd {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, wire.CookieKey+"="+wire.CookieValue)
	return cmd
}
