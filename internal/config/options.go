// Package config holds the options shared by every process of a run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/davischen/twopc/internal/coordinator"
	"github.com/davischen/twopc/internal/oplog"
)

type Options struct {
	SendSuccessProbability      float64 `json:"send_success_probability"`
	OperationSuccessProbability float64 `json:"operation_success_probability"`

	NumClients      int `json:"num_clients"`
	NumRequests     int `json:"num_requests"`
	NumParticipants int `json:"num_participants"`

	LogPath   string `json:"log_path"`
	Verbosity int    `json:"verbosity"`

	VoteTimeout time.Duration `json:"vote_timeout"`
	MetricsAddr string        `json:"metrics_addr"`

	// Set by the coordinator for the processes it spawns.
	Num     int    `json:"-"`
	IPCPath string `json:"-"`
}

// Default returns the options used when no flag or config file says otherwise.
func Default() Options {
	return Options{
		SendSuccessProbability:      1,
		OperationSuccessProbability: 1,
		NumClients:                  4,
		NumRequests:                 10,
		NumParticipants:             10,
		LogPath:                     "./logs",
		Verbosity:                   0,
		VoteTimeout:                 coordinator.DefaultVoteTimeout,
	}
}

// Load overlays the JSON document at path onto o.
func (o *Options) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(b, o); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// BindFlags registers the shared flags on fs.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.Float64VarP(&o.SendSuccessProbability, "send-success-probability", "s", o.SendSuccessProbability, "probability a participant's vote reaches the coordinator")
	fs.Float64VarP(&o.OperationSuccessProbability, "operation-success-probability", "o", o.OperationSuccessProbability, "probability a participant's local operation succeeds")
	fs.IntVarP(&o.NumClients, "num-clients", "c", o.NumClients, "number of clients")
	fs.IntVarP(&o.NumRequests, "num-requests", "r", o.NumRequests, "requests issued by each client")
	fs.IntVarP(&o.NumParticipants, "num-participants", "p", o.NumParticipants, "number of participants")
	fs.StringVarP(&o.LogPath, "log-path", "l", o.LogPath, "directory for operation logs")
	fs.IntVarP(&o.Verbosity, "verbosity", "v", o.Verbosity, "console log level: 0 error, 1 warn, 2 info, 3 debug")
	fs.DurationVar(&o.VoteTimeout, "vote-timeout", o.VoteTimeout, "how long the coordinator waits for each participant's vote")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "serve prometheus metrics on this address")
}

// BindChildFlags registers the flags only spawned processes use.
func (o *Options) BindChildFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.Num, "num", o.Num, "index of this client or participant")
	fs.StringVar(&o.IPCPath, "ipc-path", o.IPCPath, "rendezvous name handed out by the coordinator")
}

func (o Options) Validate() error {
	for name, p := range map[string]float64{
		"send success probability":      o.SendSuccessProbability,
		"operation success probability": o.OperationSuccessProbability,
	} {
		if p < 0 || p > 1 {
			return errors.Errorf("%s %v is outside [0, 1]", name, p)
		}
	}
	if o.NumClients < 0 || o.NumRequests < 0 || o.NumParticipants < 0 {
		return errors.New("actor and request counts must not be negative")
	}
	if o.VoteTimeout <= 0 {
		return errors.Errorf("vote timeout %v must be positive", o.VoteTimeout)
	}
	if o.LogPath == "" {
		return errors.New("log path is empty")
	}
	return nil
}

// TotalRequests is the number of rounds every participant and the
// coordinator go through.
func (o Options) TotalRequests() int {
	return o.NumClients * o.NumRequests
}

// ChildArgs renders the flags a spawned client or participant needs.
func (o Options) ChildArgs() []string {
	return []string{
		"--send-success-probability", strconv.FormatFloat(o.SendSuccessProbability, 'g', -1, 64),
		"--operation-success-probability", strconv.FormatFloat(o.OperationSuccessProbability, 'g', -1, 64),
		"--num-clients", strconv.Itoa(o.NumClients),
		"--num-requests", strconv.Itoa(o.NumRequests),
		"--num-participants", strconv.Itoa(o.NumParticipants),
		"--log-path", o.LogPath,
		"--verbosity", strconv.Itoa(o.Verbosity),
		"--num", strconv.Itoa(o.Num),
		"--ipc-path", o.IPCPath,
	}
}

func ClientName(n int) string {
	return fmt.Sprintf("client_%d", n)
}

func ParticipantName(n int) string {
	return fmt.Sprintf("participant_%d", n)
}

func (o Options) CoordinatorLogPath() string {
	return oplog.Path(o.LogPath, coordinator.ID)
}

func (o Options) ParticipantLogPath(n int) string {
	return oplog.Path(o.LogPath, ParticipantName(n))
}
