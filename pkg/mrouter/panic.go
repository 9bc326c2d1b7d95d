package mrouter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MixyLabs/mrouter/pkg/mrouter/util"
)

const (
	crashlogFilename        = "mrouter-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        mrouter crashlog
-----------------------------------------------------------------
Unfortunately, mrouter has crashed.
Audio streams stay where they were last routed to.
Please consider sharing this file with developers to help improve mrouter.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Routing state:
%s
Stack trace:
%s
-----------------------------------------------------------------
`
)

func (d *MRouter) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(logDirectory, time.Now(), r, d.routingState(), debug.Stack())
	if err != nil {
		panic(err)
	}

	d.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	d.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	d.logger.Errorw("Quitting", "exitCode", 1)
	_ = d.logger.Sync()
	os.Exit(1)
}

// routingState lists groups and connections as they were when the loop
// panicked. It gives up quietly if the state is too broken to walk.
func (d *MRouter) routingState() (state string) {
	if d.engine == nil {
		return "  not set up\n"
	}

	defer func() {
		if r := recover(); r != nil {
			state = fmt.Sprintf("  unavailable: %v\n", r)
		}
	}()

	var b strings.Builder

	fmt.Fprintf(&b, "  nodes: %d\n", d.registry.Len())
	for _, g := range d.engine.Groups() {
		fmt.Fprintf(&b, "  group %s\n", g.Name)
		for _, ent := range g.Entries {
			fmt.Fprintf(&b, "    %s blocked=%t stamp=%d\n", ent.Node, ent.Blocked, ent.Stamp)
		}
	}
	for _, c := range d.registry.Connections() {
		fmt.Fprintf(&b, "  connection %s\n", c.String())
	}

	return b.String()
}

func writeCrashlog(dir string, now time.Time, r any, state string, stack []byte) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	timestamp := now.Format(crashlogTimestampFormat)
	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, timestamp, r, state, stack))
	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, timestamp))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("can't even write the crashlog file contents: %w", err)
	}

	return crashlogPath, nil
}
