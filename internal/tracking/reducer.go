package tracking

import (
	"vettrack/internal/events"
	"vettrack/internal/model"
)

// Policy holds the thresholds the reducer depends on
type Policy struct {
	// EscalationThreshold is the number of failed manual dispatch cycles
	// after which the expand-search offer is shown.
	EscalationThreshold int
}

// DefaultPolicy matches the backend's observed behavior
func DefaultPolicy() Policy {
	return Policy{EscalationThreshold: 2}
}

// Reduce applies one normalized event and returns the next state. It never
// mutates s, and applying the same event twice yields the same state as
// applying it once.
func Reduce(s State, ev events.Event, p Policy) State {
	next := s.clone()

	switch e := ev.(type) {
	case events.StatusUpdated:
		return reduceStatusUpdated(next, e)
	case events.LocationUpdated:
		return reduceLocationUpdated(next, e)
	case events.Accepted:
		return reduceAccepted(next, e)
	case events.Cancelled:
		if next.Terminal() {
			return fillCancellationFee(next, e.FeeApplied)
		}
		return applyCancellation(next, e.Reason, e.ReasonCode, e.FeeApplied)
	case events.NoVetsAvailable:
		if next.Terminal() {
			return next
		}
		return applyCancellation(next, e.Reason, reasonCodeNoVets, nil)
	case events.Completed:
		return reduceCompleted(next, e, p)
	case events.ServiceStarted:
		if next.Terminal() {
			return next
		}
		next, _ = applyStatus(next, model.StatusInService)
		observeProximity(&next.Request, e.AutoDetected, e.DistanceMeters)
		return next
	case events.Snapshot:
		return mergeSnapshot(next, e.Request, p)
	case events.DispatchAttemptFailed:
		return reduceAttemptFailed(next, e, p)
	case events.SearchExpanded, events.ExpandSucceeded:
		if next.Terminal() {
			return next
		}
		return resetEscalation(next)
	case events.ExpandRequested:
		return requestExpansion(next)
	case events.ExpandFailed:
		return failExpansion(next, e.Message)
	case events.ArrivalConfirmRequested:
		return requestArrivalConfirmation(next)
	case events.ArrivalConfirmed:
		return confirmArrival(next)
	case events.ArrivalConfirmFailed:
		next.ConfirmArrival = Command{Error: e.Message}
		return next
	case events.CancelRequested:
		if next.Terminal() || next.Cancel.Pending {
			return next
		}
		next.Cancel = CancelCommand{
			Command:    Command{Pending: true},
			Reason:     e.Reason,
			ReasonCode: e.ReasonCode,
		}
		return next
	case events.CancelSucceeded:
		next.Cancel.Pending = false
		next.Cancel.Error = ""
		if next.Terminal() {
			return fillCancellationFee(next, e.FeeApplied)
		}
		return applyCancellation(next, next.Cancel.Reason, next.Cancel.ReasonCode, e.FeeApplied)
	case events.CancelFailed:
		next.Cancel.Pending = false
		next.Cancel.Error = e.Message
		return next
	case events.ChatMessage:
		return reduceChatMessage(next, e)
	case events.ChatRead:
		next.UnreadMessages = 0
		return next
	}
	return next
}

func reduceStatusUpdated(s State, e events.StatusUpdated) State {
	if s.Terminal() {
		return s
	}

	current := true
	if e.Status != "" {
		if e.Status == model.StatusCancelled {
			return applyCancellation(s, "", "", nil)
		}
		var applied bool
		s, applied = applyStatus(s, e.Status)
		current = applied || e.Status == s.Request.Status
	}

	// Proximity facts are monotonic, so a late arrived/in-service event may
	// still contribute them.
	if e.Status == model.StatusArrived || e.Status == model.StatusInService {
		observeProximity(&s.Request, e.AutoDetected, e.DistanceMeters)
	}
	if s.Terminal() || !current {
		return s
	}

	if e.ETAMinutes != nil {
		s.Request.ETAMinutes = intPtr(*e.ETAMinutes)
	}
	if e.VetLocation != nil && vetLocationVisible(s.Request.Mode, s.Request.Status) {
		p := *e.VetLocation
		s.Request.VetLocation = &p
	}
	return s
}

func reduceLocationUpdated(s State, e events.LocationUpdated) State {
	if s.Terminal() {
		return s
	}
	if e.Location != nil && vetLocationVisible(s.Request.Mode, s.Request.Status) {
		p := *e.Location
		s.Request.VetLocation = &p
	}
	if e.ETAMinutes != nil {
		s.Request.ETAMinutes = intPtr(*e.ETAMinutes)
	}
	return s
}

func reduceAccepted(s State, e events.Accepted) State {
	if s.Terminal() {
		return s
	}
	s, _ = applyStatus(s, model.StatusAccepted)
	if e.Vet != nil {
		s.Request.Vet = mergeVet(s.Request.Vet, e.Vet)
	}
	if e.ConversationID != "" {
		s.Request.ConversationID = e.ConversationID
	}
	if e.ETAMinutes != nil && s.Request.Status == model.StatusAccepted {
		s.Request.ETAMinutes = intPtr(*e.ETAMinutes)
	}
	return s
}

func reduceCompleted(s State, e events.Completed, p Policy) State {
	if s.Terminal() {
		return s
	}
	if e.Snapshot != nil {
		s = mergeSnapshot(s, *e.Snapshot, p)
		if s.Terminal() {
			return s
		}
	}
	s, _ = applyStatus(s, model.StatusCompleted)
	return s
}

func reduceChatMessage(s State, e events.ChatMessage) State {
	if e.ConversationID != "" && s.Request.ConversationID != "" && e.ConversationID != s.Request.ConversationID {
		return s
	}
	key := e.MessageKey()
	if _, seen := s.unread[key]; seen {
		return s
	}
	if s.unread == nil {
		s.unread = make(map[string]struct{})
	}
	s.unread[key] = struct{}{}
	s.UnreadMessages++
	return s
}

// applyStatus moves the request to status to when the transition table
// allows it and reports whether it did.
func applyStatus(s State, to model.Status) (State, bool) {
	if !CanTransition(s.Request.Mode, s.Request.Status, to) {
		return s, false
	}
	s.Request.Status = to
	if !vetLocationVisible(s.Request.Mode, to) {
		s.Request.VetLocation = nil
	}
	if to.Terminal() {
		s = settleTerminal(s)
	}
	return s, true
}

// settleTerminal clears everything that only makes sense for a live request
func settleTerminal(s State) State {
	s.Request.VetLocation = nil
	s.Escalation = Escalation{Phase: EscalationIdle, seen: s.Escalation.seen, widened: s.Escalation.widened}
	s.ConfirmArrival.Pending = false
	s.Cancel.Pending = false
	return s
}

// mergeSnapshot folds an authoritative record into the state. A snapshot
// whose status is behind the current one is stale: it may only fill
// identity fields that are still empty.
func mergeSnapshot(s State, snap model.EmergencyRequest, p Policy) State {
	if s.Terminal() {
		return s
	}
	if snap.ID != "" && s.Request.ID != "" && snap.ID != s.Request.ID {
		return s
	}

	r := &s.Request
	if r.ID == "" {
		r.ID = snap.ID
	}
	if r.Mode == "" {
		r.Mode = snap.Mode
	}
	if r.Location == (model.Location{}) {
		r.Location = snap.Location
	}

	stale := snap.Status != "" && snap.Status != r.Status && !CanTransition(r.Mode, r.Status, snap.Status)

	if snap.Vet != nil && (!stale || r.Vet == nil) {
		r.Vet = mergeVet(r.Vet, snap.Vet)
	}
	if snap.ConversationID != "" && (!stale || r.ConversationID == "") {
		r.ConversationID = snap.ConversationID
	}
	if snap.Pet != nil && (!stale || r.Pet == nil) {
		pet := *snap.Pet
		r.Pet = &pet
	}
	if snap.Pricing != nil && (!stale || r.Pricing == nil) {
		pricing := *snap.Pricing
		r.Pricing = &pricing
	}
	if snap.GeolocationValidated {
		r.GeolocationValidated = true
	}
	if snap.ArrivalDistanceMeters != nil && (!stale || r.ArrivalDistanceMeters == nil) {
		r.ArrivalDistanceMeters = floatPtr(*snap.ArrivalDistanceMeters)
	}
	if snap.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = snap.UpdatedAt
	}
	if stale {
		return s
	}

	if snap.Status == model.StatusCancelled {
		var reason, code string
		var fee *float64
		if snap.Cancellation != nil {
			reason, code, fee = snap.Cancellation.Reason, snap.Cancellation.ReasonCode, snap.Cancellation.FeeApplied
		}
		return applyCancellation(s, reason, code, fee)
	}
	if snap.Status != "" {
		s, _ = applyStatus(s, snap.Status)
		r = &s.Request
	}
	if s.Terminal() {
		return s
	}
	if snap.ETAMinutes != nil {
		r.ETAMinutes = intPtr(*snap.ETAMinutes)
	}
	if snap.VetLocation != nil && vetLocationVisible(r.Mode, r.Status) {
		loc := *snap.VetLocation
		r.VetLocation = &loc
	}
	return observeAttempts(s, snap.ManualAttempts, p)
}

func mergeVet(current, update *model.Vet) *model.Vet {
	out := model.Vet{}
	if current != nil {
		out = *current
	}
	if update.ID != "" {
		out.ID = update.ID
	}
	if update.Name != "" {
		out.Name = update.Name
	}
	if update.Phone != "" {
		out.Phone = update.Phone
	}
	return &out
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
