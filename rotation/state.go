package rotation

// State is a step of a rotation.
type State int

const (
	Idle State = iota
	Generating
	CreatingEvent
	SigningOld
	SigningNew
	Storing
	Publishing
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case CreatingEvent:
		return "creating-event"
	case SigningOld:
		return "signing-old"
	case SigningNew:
		return "signing-new"
	case Storing:
		return "storing"
	case Publishing:
		return "publishing"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a rotation.
func (s State) Terminal() bool {
	return s == Complete || s == Error
}

// Effect is the work the driver performs on entering a state.
type Effect int

const (
	EffectNone Effect = iota
	// EffectGenerate confirms the old secret exists and creates the new key.
	EffectGenerate
	EffectBuildEvent
	EffectSignOld
	EffectSignNew
	EffectStore
	EffectPublish
)

// Outcome is the result of the previous effect.
type Outcome struct {
	Err error
}

// Step is the transition function. It performs no I/O: given the current
// state, the outcome of the last effect and whether publishing is wanted, it
// returns the next state and the effect the driver must run.
func Step(s State, out Outcome, publish bool) (State, Effect) {
	if s.Terminal() {
		return s, EffectNone
	}
	if out.Err != nil {
		return Error, EffectNone
	}
	switch s {
	case Idle:
		return Generating, EffectGenerate
	case Generating:
		return CreatingEvent, EffectBuildEvent
	case CreatingEvent:
		return SigningOld, EffectSignOld
	case SigningOld:
		return SigningNew, EffectSignNew
	case SigningNew:
		return Storing, EffectStore
	case Storing:
		if publish {
			return Publishing, EffectPublish
		}
		return Complete, EffectNone
	case Publishing:
		return Complete, EffectNone
	}
	return Error, EffectNone
}
