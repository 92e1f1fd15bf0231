package tracking

import (
	"regexp"
	"strings"

	"vettrack/internal/model"
)

const (
	reasonCodeNoVets = "no_vets_available"

	// noVetsPhrase is how the backend words capacity cancellations
	noVetsPhrase = "no se encontraron veterinarios"

	DefaultCancellationMessage = "Your emergency request was cancelled."
	NoVetsCancellationMessage  = "No veterinarians were available for your emergency."
)

// capacityCodes are reason codes that mean no vet could take the request
var capacityCodes = map[string]bool{
	"timeout":           true,
	"no_vets":           true,
	"no_vets_available": true,
	"no_capacity":       true,
}

var (
	timeoutWord = regexp.MustCompile(`(?i)timeout`)
	spaceRun    = regexp.MustCompile(`\s+`)
)

// classifyCancellation decides whether a cancellation was caused by lack of
// capacity and builds the message shown to the user.
func classifyCancellation(reason, code string) (bool, string) {
	normCode := strings.ToLower(strings.TrimSpace(code))
	normReason := strings.ToLower(strings.TrimSpace(reason))

	capacity := capacityCodes[normCode] ||
		normReason == "timeout" ||
		strings.Contains(normReason, noVetsPhrase)

	msg := stripTimeout(reason)
	msg = spaceRun.ReplaceAllString(msg, " ")
	msg = strings.Trim(msg, " :-,.;")
	if msg == "" {
		if capacity {
			return true, NoVetsCancellationMessage
		}
		return false, DefaultCancellationMessage
	}
	return capacity, msg
}

// stripTimeout removes the word until none is left. Dropping one occurrence
// can join its neighbours into another.
func stripTimeout(s string) string {
	for {
		next := timeoutWord.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

// applyCancellation moves a live request to cancelled and records why
func applyCancellation(s State, reason, code string, fee *float64) State {
	var ok bool
	if s, ok = applyStatus(s, model.StatusCancelled); !ok {
		return s
	}
	c := &model.Cancellation{Reason: reason, ReasonCode: code}
	if fee != nil {
		c.FeeApplied = floatPtr(*fee)
	}
	s.Request.Cancellation = c
	s.ShowCallToAction, s.CancellationMessage = classifyCancellation(reason, code)
	return s
}

// fillCancellationFee records a fee reported after the request was already
// cancelled. The fee is set at most once.
func fillCancellationFee(s State, fee *float64) State {
	if fee == nil || s.Request.Status != model.StatusCancelled {
		return s
	}
	if s.Request.Cancellation == nil {
		s.Request.Cancellation = &model.Cancellation{}
	}
	if s.Request.Cancellation.FeeApplied == nil {
		s.Request.Cancellation.FeeApplied = floatPtr(*fee)
	}
	return s
}
