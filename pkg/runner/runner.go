package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks bracket the running phase. OnStart failing aborts Run; OnStop runs
// after draining with a context bounded by the runner timeout.
type Hooks struct {
	OnStart func() error
	OnStop  func(ctx context.Context) error
}

// Drainer closes live work before shutdown.
type Drainer interface {
	Drain() error
}

// DrainFunc adapts a function to Drainer.
type DrainFunc func() error

func (f DrainFunc) Drain() error { return f() }

const Version = "dev"

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer, color bool) {
	tpl := "{{ .Title \"VOXRELAY\" \"\" 0 }}\nVersion: " + Version + "\nGoVersion: {{ .GoVersion }}\n"
	banner.Init(w, true, color, bytes.NewBufferString(tpl))
}
