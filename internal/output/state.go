package output

// State is the engine-side lifecycle state of an Instance.
type State string

const (
	StateCreated     State = "created"
	StateConfiguring State = "configuring"
	StateReady       State = "ready"
	StateActive      State = "active"
	StatePaused      State = "paused" // sub-state of active
	StateDestroyed   State = "destroyed"
)

// Live reports whether the state is Active or its Paused sub-state.
func (s State) Live() bool {
	return s == StateActive || s == StatePaused
}

// Lifecycle operations, as named in violations, metrics and events.
const (
	OpCreate       = "create"
	OpUpdate       = "update"
	OpConfigure    = "configure"
	OpSetEncoder   = "set_encoder"
	OpClearEncoder = "clear_encoder"
	OpStart        = "start"
	OpStop         = "stop"
	OpPause        = "pause"
	OpUnpause      = "unpause"
	OpDestroy      = "destroy"
)

// idle lists the states where an instance holds no live output and may be
// reconfigured or destroyed.
var idle = map[State]bool{
	StateCreated: true,
	StateReady:   true,
}

// checkIdle returns a violation unless the instance is idle. An output that
// ended on its own counts as idle.
func (i *Instance) checkIdle(op string) error {
	i.reconcile()
	if i.state == StateDestroyed {
		return i.violation(op, "instance destroyed")
	}
	if !idle[i.state] {
		return i.violation(op, "output is active; stop it first")
	}
	return nil
}

// reconcile drops a live instance whose module reports inactive back to
// Ready. The stop callback is not invoked. Callers hold the write lock.
func (i *Instance) reconcile() {
	if i.state.Live() && !i.desc.Active(i.data) {
		i.setState(StateReady)
	}
}

func (i *Instance) violation(op, reason string) error {
	return &ProtocolViolation{Output: i.name, Op: op, State: i.state, Reason: reason}
}
