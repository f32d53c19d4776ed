package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spindleworks/spindle/pkg/toolhost"
	"github.com/spindleworks/spindle/pkg/toolspec"
	"github.com/spindleworks/spindle/pkg/wire"
	"github.com/spindleworks/spindle/pkg/worker"
)

// TestHelperWorker is not a real test: the dispatcher tests re-exec the
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
		serveAdd()
	case "sleep":
		serveSleep()
	case "maybecrash":
		serveMaybeCrash()
	case "badresult":
		rawBadResult()
	case "noready":
		time.Sleep(30 * time.Second)
	}
}

// rawBadResult answers every call with a correlated result whose payload
// is not a result at all.
func rawBadResult() {
	conn := wire.NewConn(os.Stdin, os.Stdout, 0)
	ready, _ := wire.NewMessage("", wire.KindReady, wire.ReadyPayload{
		Pid:      os.Getpid(),
		Protocol: wire.ProtocolVersion,
	})
	_ = conn.Write(ready)

	for {
		msg, err := conn.Read()
		if err != nil {
			return
		}
		if msg.Kind == wire.KindCall {
			result, _ := wire.NewMessage(msg.ID, wire.KindResult, []int{1, 2, 3})
			_ = conn.Write(result)
		}
	}
}

type addArgs struct {
	A int `json:"a" description:"first addend"`
	B int `json:"b" description:"second addend"`
}

func addDef() toolspec.Definition {
	return toolspec.Definition{
		Name: "add",
		Doc:  "Adds two integers.",
		Func: func(ctx context.Context, args addArgs) (int, error) {
			return args.A + args.B, nil
		},
	}
}

func serveAdd() {
	_ = toolhost.Serve(addDef())
}

type sleepArgs struct {
	Millis int    `json:"millis" description:"how long to sleep"`
	Reply  string `json:"reply" description:"value to return" default:"done"`
}

func sleepDef() toolspec.Definition {
	return toolspec.Definition{
		Name: "sleep",
		Doc:  "Sleeps, then returns the requested reply.",
		Func: func(ctx context.Context, args sleepArgs) (string, error) {
			select {
			case <-time.After(time.Duration(args.Millis) * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return args.Reply, nil
		},
	}
}

func serveSleep() {
	_ = toolhost.Serve(sleepDef())
}

type crashArgs struct {
	Die bool `json:"die" description:"exit the process instead of replying"`
}

func crashDef() toolspec.Definition {
	return toolspec.Definition{
		Name: "maybecrash",
		Doc:  "Returns normally, or kills its own process on request.",
		Func: func(ctx context.Context, args crashArgs) (string, error) {
			if args.Die {
				os.Exit(3)
			}
			return "alive", nil
		},
	}
}

func serveMaybeCrash() {
	_ = toolhost.Serve(crashDef())
}
