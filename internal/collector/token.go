package collector

import (
	"errors"
	"sync"

	"github.com/probeline/probeline/internal/engine"
)

// ErrTokenClaimed reports a second claim on a script token.
var ErrTokenClaimed = errors.New("script handle already claimed")

// ScriptToken is the one-shot ownership token for a session's script
// handle. The script is not safe to share: the coordinator wraps it at
// spawn and must not touch it afterwards; the session worker claims it
// exactly once at startup.
type ScriptToken struct {
	mu     sync.Mutex
	script engine.Script
}

// NewScriptToken wraps a script for handoff. Only the coordinator's
// spawn path constructs tokens.
func NewScriptToken(s engine.Script) *ScriptToken {
	return &ScriptToken{script: s}
}

// Claim consumes the token and returns the script. A second claim
// fails: ownership transfers exactly once.
func (t *ScriptToken) Claim() (engine.Script, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.script == nil {
		return nil, ErrTokenClaimed
	}
	s := t.script
	t.script = nil
	return s, nil
}
