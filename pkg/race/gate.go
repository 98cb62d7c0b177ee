// Package race runs the streaming and REST synthesis paths side by side and
// lets only the first one to produce audio reach the client.
package race

import "sync/atomic"

// Source identifies where a piece of audio came from.
type Source string

const (
	SourceStream Source = "stream"
	SourceREST   Source = "rest"
)

func (s Source) code() int32 {
	switch s {
	case SourceStream:
		return 1
	case SourceREST:
		return 2
	default:
		return 0
	}
}

func sourceOf(code int32) Source {
	switch code {
	case 1:
		return SourceStream
	case 2:
		return SourceREST
	default:
		return ""
	}
}

// Gate is a single-assignment latch for one request. The first source to
// claim it wins; the winner may keep claiming (streamed audio arrives as a
// sequence of chunks) while every claim from the other source is refused.
type Gate struct {
	winner atomic.Int32
}

// Claim reports whether audio from src may be delivered.
func (g *Gate) Claim(src Source) bool {
	ok, _ := g.claim(src)
	return ok
}

// claim also reports whether this call is the one that closed the gate.
func (g *Gate) claim(src Source) (ok, first bool) {
	code := src.code()
	if code == 0 {
		return false, false
	}
	if g.winner.CompareAndSwap(0, code) {
		return true, true
	}
	return g.winner.Load() == code, false
}

// Winner returns the source that claimed the gate, if any.
func (g *Gate) Winner() (Source, bool) {
	src := sourceOf(g.winner.Load())
	return src, src != ""
}
