package app

import "github.com/dkeye/peercall/internal/domain"

type GlareAction int

const (
	// KeepOutgoing ignores the peer's invitation; the peer yields.
	KeepOutgoing GlareAction = iota
	// YieldToIncoming ends our outgoing attempt and accepts the peer's call.
	YieldToIncoming
)

// Policy settles a mutual simultaneous call between self and remote. Both
// sides must reach opposite answers.
type Policy interface {
	OnGlare(self, remote domain.UserID) GlareAction
}

// LexicalPolicy keeps the initiator role for the smaller identity.
type LexicalPolicy struct{}

func (LexicalPolicy) OnGlare(self, remote domain.UserID) GlareAction {
	if self < remote {
		return KeepOutgoing
	}
	return YieldToIncoming
}
