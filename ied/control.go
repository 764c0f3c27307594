package ied

// ControlModel declares per control point whether a command requires
// select-before-operate and whether enhanced status feedback is used.
// The numeric values match the ctlModel attribute on the wire.
type ControlModel int

// Control models.
const (
	// StatusOnly points carry status information only and cannot be controlled.
	StatusOnly ControlModel = iota
	// DirectNormal is direct control with normal security.
	DirectNormal
	// SBONormal is select-before-operate with normal security.
	SBONormal
	// DirectEnhanced is direct control with enhanced security.
	DirectEnhanced
	// SBOEnhanced is select-before-operate with enhanced security.
	// Selection carries the intended value (select-with-value).
	SBOEnhanced
)

// IsSBO returns whether the model requires a selection before operating.
func (m ControlModel) IsSBO() bool {
	return m == SBONormal || m == SBOEnhanced
}

// IsEnhanced returns whether the model uses enhanced status feedback.
func (m ControlModel) IsEnhanced() bool {
	return m == DirectEnhanced || m == SBOEnhanced
}

// Controllable returns whether the point accepts control commands at all.
func (m ControlModel) Controllable() bool {
	return m != StatusOnly
}

// String returns the string representation of the control model.
func (m ControlModel) String() string {
	switch m {
	case StatusOnly:
		return "status-only"
	case DirectNormal:
		return "direct-normal"
	case SBONormal:
		return "sbo-normal"
	case DirectEnhanced:
		return "direct-enhanced"
	case SBOEnhanced:
		return "sbo-enhanced"
	default:
		return "unknown"
	}
}

// CtlState is the per-point control workflow state.
//
// CtlIdle is both the initial and the terminal-resting state; CtlCompleted and
// CtlFailed fold back to CtlIdle immediately after the result is published.
type CtlState uint32

// Control workflow states.
const (
	CtlIdle CtlState = iota
	CtlSelectPending
	CtlSelected
	CtlOperatePending
	CtlCompleted
	CtlFailed
)

// String returns the string representation of the workflow state.
func (s CtlState) String() string {
	switch s {
	case CtlIdle:
		return "idle"
	case CtlSelectPending:
		return "select-pending"
	case CtlSelected:
		return "selected"
	case CtlOperatePending:
		return "operate-pending"
	case CtlCompleted:
		return "completed"
	case CtlFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OriginatorCat is the orCat category of the command originator.
// The numeric values match the on-the-wire orCat enumeration.
type OriginatorCat int

// Originator categories.
const (
	OrCatNotSupported OriginatorCat = iota
	OrCatBayControl
	OrCatStationControl
	OrCatRemoteControl
	OrCatAutomaticBay
	OrCatAutomaticStation
	OrCatAutomaticRemote
	OrCatMaintenance
	OrCatProcess
)

// Originator is the identity metadata attached to a control command for audit
// purposes: a category plus a free-form identifier.
type Originator struct {
	Cat   OriginatorCat
	Ident string
}

// OperateOptions are the check flags an operate request carries verbatim from
// the caller.
type OperateOptions struct {
	InterlockCheck bool
	SynchroCheck   bool
	TestMode       bool
}

// ControlPoint is the descriptor of a controllable data object, discovered on
// first use and cached by the session until disconnect.
type ControlPoint struct {
	// Ref is the full object reference, e.g. "BAY1/CSWI1.Pos".
	Ref string
	// Model is the ctlModel the device reported for this point.
	Model ControlModel
}
