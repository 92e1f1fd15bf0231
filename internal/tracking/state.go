package tracking

import "vettrack/internal/model"

// EscalationPhase is the state of the expand-search offer
type EscalationPhase string

const (
	EscalationIdle              EscalationPhase = "idle"
	EscalationAttemptsExhausted EscalationPhase = "attempts_exhausted"
	EscalationExpanding         EscalationPhase = "expanding"
)

// Escalation is the expand-search sub-state
type Escalation struct {
	Phase EscalationPhase `json:"phase"`
	Error string          `json:"error,omitempty"`
	// seen holds the keys of failure signals already counted
	seen map[string]struct{}
	// widened is set once the search radius was expanded
	widened bool
}

// OfferVisible reports whether the UI should show the expand-search offer
func (e Escalation) OfferVisible() bool {
	return e.Phase == EscalationAttemptsExhausted || e.Phase == EscalationExpanding
}

// Command tracks a single in-flight user command
type Command struct {
	Pending bool   `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// CancelCommand is a Command that remembers the requested reason
type CancelCommand struct {
	Command
	Reason     string `json:"reason,omitempty"`
	ReasonCode string `json:"reasonCode,omitempty"`
}

// Geolocation is what the UI needs to know about proximity confirmation
type Geolocation struct {
	AutoValidated         bool     `json:"autoValidated"`
	ArrivalDistanceMeters *float64 `json:"arrivalDistanceMeters"`
}

// State is the single reducer-owned view of a tracked emergency
type State struct {
	Request             model.EmergencyRequest `json:"request"`
	ShowCallToAction    bool                   `json:"showCallToAction"`
	CancellationMessage string                 `json:"cancellationMessage,omitempty"`
	Escalation          Escalation             `json:"escalation"`
	ConfirmArrival      Command                `json:"confirmArrival"`
	Cancel              CancelCommand          `json:"cancel"`
	UnreadMessages      int                    `json:"unreadMessages"`
	// unread holds the keys of every message counted so far, read or not
	unread map[string]struct{}
}

// NewState seeds the state from an initial snapshot
func NewState(req model.EmergencyRequest, p Policy) State {
	s := State{Escalation: Escalation{Phase: EscalationIdle}}
	s.Request.ID = req.ID
	s.Request.Mode = req.Mode
	s.Request.Status = model.StatusPending
	return mergeSnapshot(s, req, p)
}

// Geolocation returns the proximity facts exposed to the UI
func (s State) Geolocation() Geolocation {
	g := Geolocation{AutoValidated: s.Request.GeolocationValidated}
	if s.Request.ArrivalDistanceMeters != nil {
		d := *s.Request.ArrivalDistanceMeters
		g.ArrivalDistanceMeters = &d
	}
	return g
}

// Terminal reports whether the request reached completed or cancelled
func (s State) Terminal() bool {
	return s.Request.Status.Terminal()
}

// clone deep-copies the state so reductions never alias a previous value
func (s State) clone() State {
	out := s
	out.Request = s.Request.Clone()
	out.Escalation.seen = copySet(s.Escalation.seen)
	out.unread = copySet(s.unread)
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
