package tracking

import (
	"vettrack/internal/events"
	"vettrack/internal/model"
)

// searching reports whether the request is still waiting for a vet
func searching(st model.Status) bool {
	return st == model.StatusPending || st == model.StatusVetAssigned
}

// confirmable are the statuses from which arrival can be confirmed manually
var confirmable = map[model.Status]bool{
	model.StatusAccepted:     true,
	model.StatusOnWay:        true,
	model.StatusArrived:      true,
	model.StatusTutorArrived: true,
}

// reduceAttemptFailed counts one failed dispatch cycle. Signals are keyed so a
// replayed signal is never counted twice.
func reduceAttemptFailed(s State, e events.DispatchAttemptFailed, p Policy) State {
	if s.Terminal() || !searching(s.Request.Status) {
		return s
	}
	key := e.SignalKey()
	if _, ok := s.Escalation.seen[key]; ok {
		return s
	}
	if s.Escalation.seen == nil {
		s.Escalation.seen = make(map[string]struct{})
	}
	s.Escalation.seen[key] = struct{}{}

	// a numbered signal reports the server's count, which may already
	// include failures seen through a snapshot
	if e.Attempt > 0 {
		s.Request.ManualAttempts = max(s.Request.ManualAttempts, e.Attempt)
	} else {
		s.Request.ManualAttempts++
	}
	return checkExhausted(s, p)
}

// observeAttempts raises the failure count to the one reported by an
// authoritative record. Counts from before a widened search are ignored.
func observeAttempts(s State, n int, p Policy) State {
	if s.Terminal() || s.Escalation.widened {
		return s
	}
	s.Request.ManualAttempts = max(s.Request.ManualAttempts, n)
	if !searching(s.Request.Status) {
		return s
	}
	return checkExhausted(s, p)
}

// checkExhausted shows the expand-search offer once the count reaches the
// threshold
func checkExhausted(s State, p Policy) State {
	threshold := p.EscalationThreshold
	if threshold <= 0 {
		threshold = DefaultPolicy().EscalationThreshold
	}
	if s.Request.ManualAttempts >= threshold && s.Escalation.Phase == EscalationIdle {
		s.Escalation.Phase = EscalationAttemptsExhausted
		s.Escalation.Error = ""
	}
	return s
}

// resetEscalation starts a new dispatch cycle after the radius was widened
func resetEscalation(s State) State {
	s.Escalation = Escalation{Phase: EscalationIdle, widened: true}
	s.Request.ManualAttempts = 0
	return s
}

func requestExpansion(s State) State {
	if s.Terminal() || s.Escalation.Phase != EscalationAttemptsExhausted {
		return s
	}
	s.Escalation.Phase = EscalationExpanding
	s.Escalation.Error = ""
	return s
}

func failExpansion(s State, msg string) State {
	if s.Escalation.Phase != EscalationExpanding {
		return s
	}
	s.Escalation.Phase = EscalationAttemptsExhausted
	s.Escalation.Error = msg
	return s
}

func requestArrivalConfirmation(s State) State {
	if s.Terminal() || s.ConfirmArrival.Pending || !confirmable[s.Request.Status] {
		return s
	}
	s.ConfirmArrival = Command{Pending: true}
	return s
}

// confirmArrival applies a successful manual confirmation. The request is
// forced into service regardless of what the poller saw in between.
func confirmArrival(s State) State {
	s.ConfirmArrival = Command{}
	if s.Terminal() {
		return s
	}
	s, _ = applyStatus(s, model.StatusInService)
	return s
}
