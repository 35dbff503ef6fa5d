package subserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/rs/zerolog/log"
)

// handle is a live attachment to a running sub-server: its JSON-RPC
// connection, a terminator, and a liveness probe. Exactly one handle exists
// per connected supervisor entry.
type handle struct {
	conn conn

	// stop terminates the child. Idempotent.
	stop func(ctx context.Context) error

	// probe reports liveness without blocking. A nil error means alive.
	probe func(ctx context.Context) error
}

// launchProcess spawns a child process with piped stdio and attaches a
// JSON-RPC connection to it.
func launchProcess(dep *ProcessDeployment, env map[string]string) (*handle, error) {
	cmd := exec.Command(dep.Command, dep.Args...)
	cmd.Env = append(os.Environ(), envSlice(env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", dep.Command, err)
	}

	// Drain stderr into the log so child diagnostics are not lost and the
	// pipe never fills.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("command", dep.Command).Msg(scanner.Text())
		}
	}()

	// Reap in the background so probe can observe exit without blocking.
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	c := newStdioConn(stdout, stdin, stdin)

	stop := func(_ context.Context) error {
		_ = c.Close()
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil && !processGone(err) {
				return fmt.Errorf("kill %s: %w", dep.Command, err)
			}
		}
		<-waitDone
		return nil
	}

	probe := func(_ context.Context) error {
		select {
		case err := <-waitDone:
			// Re-arm so stop's reap still completes.
			waitDone <- err
			if err != nil {
				return fmt.Errorf("process exited: %w", err)
			}
			return fmt.Errorf("process exited")
		default:
			return nil
		}
	}

	return &handle{conn: c, stop: stop, probe: probe}, nil
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

// envSlice renders an env map as KEY=VALUE pairs in deterministic order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
