package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davischen/twopc/internal/checker"
	"github.com/davischen/twopc/internal/config"
)

const childEnv = "TWOPC_TEST_CHILD"

// TestMain doubles as a stand-in child process that reports when it is
// interrupted, the way client and participant processes do.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		fmt.Println("ready")
		<-ctx.Done()
		fmt.Println("reported")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestFlagsBeatConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_clients": 3, "num_requests": 7, "send_success_probability": 0.5}`), 0o644))

	o := config.Default()
	fs := pflag.NewFlagSet("twopc", pflag.ContinueOnError)
	o.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-c", "1", "-s", "0.9"}))
	require.NoError(t, applyConfig(fs, &o, path))

	assert.Equal(t, 1, o.NumClients)
	assert.Equal(t, 0.9, o.SendSuccessProbability)
	assert.Equal(t, 7, o.NumRequests)
	assert.Equal(t, config.Default().NumParticipants, o.NumParticipants)
}

func TestInterruptedChildFinishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := childCommand(ctx, os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), childEnv+"=1")
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	lines := bufio.NewScanner(out)
	require.True(t, lines.Scan())
	require.Equal(t, "ready", lines.Text())
	cancel()

	require.True(t, lines.Scan(), "child was killed before it reported")
	assert.Equal(t, "reported", lines.Text())
	// a clean exit after the interrupt surfaces as the context's error
	if err := cmd.Wait(); err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestLocalRunWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	cfg := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"num_clients": 3, "num_requests": 2, "num_participants": 4}`), 0o644))

	t.Cleanup(func() {
		opts = config.Default()
		configFile = ""
		checkAfterRun = false
	})
	rootCmd.SetArgs([]string{"local", "--config", cfg, "-c", "1", "-l", logs, "--check"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	// -c on the command line beats the file, the rest comes from the file
	assert.Equal(t, 1, opts.NumClients)
	assert.Equal(t, 2, opts.NumRequests)
	assert.Equal(t, 4, opts.NumParticipants)

	r, err := checker.Check(logs, 4, logger)
	require.NoError(t, err)
	assert.True(t, r.OK(), "%v", r.Violations)
	assert.Equal(t, 2, r.Committed)
}
