package bridge

import (
	"go.viam.com/mapbridge/engine"
	"go.viam.com/mapbridge/ingest"
)

type sessionState int

const (
	sessionCreated sessionState = iota
	sessionActive
	sessionFinishing
	sessionFinished
)

func (s sessionState) String() string {
	switch s {
	case sessionCreated:
		return "created"
	case sessionActive:
		return "active"
	case sessionFinishing:
		return "finishing"
	case sessionFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Session binds one logical mapping session to one engine trajectory and the
// ingest adapter feeding it. Sessions are owned by the Bridge; state is
// guarded by the bridge mutex.
type Session struct {
	id      engine.TrajectoryID
	adapter *ingest.Adapter
	state   sessionState
}

// TrajectoryID returns the engine trajectory this session is bound to.
func (s *Session) TrajectoryID() engine.TrajectoryID {
	return s.id
}
