package imagegate

import "fmt"

// Path distinguishes anonymous from authenticated requests.
type Path string

const (
	PathGuest Path = "guest"
	PathUser  Path = "user"
)

// Stage is the position of a request in the processing state machine.
//
//	Received → Validated → {Admitted | Charged} → Resolved → Dispatched → Completed
//
// Any gate before dispatch may exit to Rejected; a failure at or after
// dispatch exits to Failed, refunding the charge on the user path.
type Stage int

const (
	StageReceived Stage = iota
	StageValidated
	StageAdmitted
	StageCharged
	StageResolved
	StageDispatched
	StageCompleted
	StageRejected
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageValidated:
		return "validated"
	case StageAdmitted:
		return "admitted"
	case StageCharged:
		return "charged"
	case StageResolved:
		return "resolved"
	case StageDispatched:
		return "dispatched"
	case StageCompleted:
		return "completed"
	case StageRejected:
		return "rejected"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageRejected || s == StageFailed
}

// Gate names the check that rejected a request.
type Gate string

const (
	GateValidate  Gate = "validate"
	GateHealth    Gate = "health"
	GateAdmission Gate = "admission"
	GateCharge    Gate = "charge"
	GateTier      Gate = "tier"
)

// requestState is the tagged union carried through the state machine.
// stage is the tag; the other fields are populated as the request advances
// and are only meaningful from the stage that sets them onwards.
type requestState struct {
	stage Stage
	path  Path

	guest *GuestRequest
	user  *UserRequest

	// validated
	image    []byte
	config   RequestConfig
	modelID  string
	provider Provider

	// health gate: set when this request holds the half-open probe slot
	probe bool

	// charged
	cost    int64
	charged bool
	balance int64

	// resolved
	version string

	// dispatched
	result   InferenceResult
	attempts int

	// rejected / failed
	gate     Gate
	err      error
	refunded bool
}

func (s requestState) reject(gate Gate, err error) requestState {
	s.stage = StageRejected
	s.gate = gate
	s.err = err
	return s
}

func (s requestState) fail(err error) requestState {
	s.stage = StageFailed
	s.err = err
	return s
}

func (s requestState) advance(stage Stage) requestState {
	s.stage = stage
	return s
}
