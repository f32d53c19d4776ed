package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spindleworks/spindle/pkg/toolhost"
	"github.com/spindleworks/spindle/pkg/toolspec"
	"github.com/spindleworks/spindle/pkg/worker"
)

// TestHelperWorker is not a real test: the registry tests re-exec the
// test binary with SPINDLE_TEST_TOOL set to turn it into a worker
// process.
func TestHelperWorker(t *testing.T) {
	tool := os.Getenv("SPINDLE_TEST_TOOL")
	if tool == "" {
		t.Skip("helper entrypoint, only used by re-exec")
	}
	runHelper(tool)
	os.Exit(0)
}

// helperLauncher re-execs the test binary as a worker for one tool
func helperLauncher(tool string) worker.Launcher {
	return worker.Launcher{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperWorker"},
		Env:  []string{"SPINDLE_TEST_TOOL=" + tool},
	}
}

func runHelper(tool string) {
	switch tool {
	case "add":
		serveNamed("add")
	case "sum":
		// Announces a name other than the one it is registered under
		serveNamed("sum")
	case "noready":
		time.Sleep(30 * time.Second)
	}
}

func serveNamed(name string) {
	type addArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	_ = toolhost.Serve(toolspec.Definition{
		Name: name,
		Doc:  "Adds two integers.",
		Func: func(ctx context.Context, args addArgs) (int, error) {
			return args.A + args.B, nil
		},
	})
}
