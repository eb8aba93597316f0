package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	o := Default()
	require.NoError(t, o.Validate())
	assert.Equal(t, 40, o.TotalRequests())
	assert.Equal(t, 100*time.Millisecond, o.VoteTimeout)
	assert.Equal(t, filepath.Join("./logs", "coordinator.log"), o.CoordinatorLogPath())
	assert.Equal(t, filepath.Join("./logs", "participant_3.log"), o.ParticipantLogPath(3))
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Options){
		"send prob":  func(o *Options) { o.SendSuccessProbability = 1.5 },
		"op prob":    func(o *Options) { o.OperationSuccessProbability = -0.1 },
		"clients":    func(o *Options) { o.NumClients = -1 },
		"timeout":    func(o *Options) { o.VoteTimeout = 0 },
		"empty logs": func(o *Options) { o.LogPath = "" },
	} {
		o := Default()
		mutate(&o)
		assert.Error(t, o.Validate(), name)
	}
}

func TestChildArgsRoundTrip(t *testing.T) {
	o := Default()
	o.SendSuccessProbability = 0.95
	o.NumClients = 2
	o.NumRequests = 3
	o.NumParticipants = 5
	o.LogPath = "/tmp/run"
	o.Verbosity = 3
	o.Num = 4
	o.IPCPath = "127.0.0.1:5000/abc"

	back := Default()
	fs := pflag.NewFlagSet("child", pflag.ContinueOnError)
	back.BindFlags(fs)
	back.BindChildFlags(fs)
	require.NoError(t, fs.Parse(o.ChildArgs()))

	assert.Equal(t, o.SendSuccessProbability, back.SendSuccessProbability)
	assert.Equal(t, o.NumClients, back.NumClients)
	assert.Equal(t, o.NumRequests, back.NumRequests)
	assert.Equal(t, o.NumParticipants, back.NumParticipants)
	assert.Equal(t, o.LogPath, back.LogPath)
	assert.Equal(t, o.Verbosity, back.Verbosity)
	assert.Equal(t, o.Num, back.Num)
	assert.Equal(t, o.IPCPath, back.IPCPath)
}

func TestShortFlags(t *testing.T) {
	o := Default()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	o.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-s", "0.5", "-o", "0", "-c", "1", "-r", "2", "-p", "3", "-l", "x"}))
	assert.Equal(t, 0.5, o.SendSuccessProbability)
	assert.Equal(t, 0.0, o.OperationSuccessProbability)
	assert.Equal(t, 2, o.TotalRequests())
	assert.Equal(t, 3, o.NumParticipants)
	assert.Equal(t, "x", o.LogPath)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_clients": 2, "num_requests": 3, "num_participants": 2, "operation_success_probability": 0.5}`), 0o644))

	o := Default()
	require.NoError(t, o.Load(path))
	assert.Equal(t, 2, o.NumClients)
	assert.Equal(t, 0.5, o.OperationSuccessProbability)
	assert.Equal(t, 1.0, o.SendSuccessProbability)

	assert.Error(t, o.Load(filepath.Join(t.TempDir(), "missing.json")))
}
