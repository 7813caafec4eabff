package sync

import (
	"context"

	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
)

// Phase is the state of the current identity session.
type Phase int

const (
	// PhaseUnbound means no identity: only the local store is used.
	PhaseUnbound Phase = iota
	// PhaseBinding means the initial pull is in flight.
	PhaseBinding
	// PhaseBound means the change feed is active and commits are pushed.
	PhaseBound
	// PhaseAbsorbing means a remote document is being applied locally.
	PhaseAbsorbing
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUnbound:
		return "unbound"
	case PhaseBinding:
		return "binding"
	case PhaseBound:
		return "bound"
	case PhaseAbsorbing:
		return "absorbing"
	default:
		return "unknown"
	}
}

// session is owned by the event loop.
type session struct {
	phase Phase
	id    string
	gen   uint64

	// ctx is cancelled when the session ends.
	ctx    context.Context
	cancel context.CancelFunc
	sub    *remote.Subscription

	pushing bool
	queued  *schema.Document
}

// active reports whether msgGen belongs to this session and the session
// still talks to the mirror.
func (s *session) active(msgGen uint64) bool {
	return s.gen == msgGen && s.phase != PhaseUnbound
}

// maxEchoes bounds the fingerprints kept for pushes whose echo has not
// arrived yet.
const maxEchoes = 16

// echoSet remembers fingerprints of documents this client pushed.
type echoSet struct {
	fps []string
}

func (e *echoSet) add(fp string) {
	e.fps = append(e.fps, fp)
	if len(e.fps) > maxEchoes {
		e.fps = e.fps[len(e.fps)-maxEchoes:]
	}
}

// consume removes one occurrence of fp and reports whether it was present.
func (e *echoSet) consume(fp string) bool {
	for i, v := range e.fps {
		if v == fp {
			e.fps = append(e.fps[:i], e.fps[i+1:]...)
			return true
		}
	}
	return false
}

func (e *echoSet) reset() {
	e.fps = nil
}

func (e *echoSet) len() int {
	return len(e.fps)
}
