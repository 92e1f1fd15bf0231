// Package events defines the closed vocabulary of normalized events the
// tracking engine consumes. Push frames, poll snapshots and command outcomes
// are all turned into one of these values before they reach the reducer.
package events

import (
	"fmt"
	"time"

	"vettrack/internal/model"
)

// Source identifies which channel produced an event
type Source string

const (
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceCommand Source = "command"
)

// Kind names a normalized event
type Kind string

const (
	KindStatusUpdated         Kind = "status_updated"
	KindLocationUpdated       Kind = "location_updated"
	KindAccepted              Kind = "accepted"
	KindCancelled             Kind = "cancelled"
	KindNoVetsAvailable       Kind = "no_vets_available"
	KindCompleted             Kind = "completed"
	KindServiceStarted        Kind = "service_started"
	KindDispatchAttemptFailed Kind = "dispatch_attempt_failed"
	KindSearchExpanded        Kind = "search_expanded"
	KindArrivalConfirmed      Kind = "arrival_confirmed"
	KindArrivalConfirmFailed  Kind = "arrival_confirm_failed"
	KindCancelSucceeded       Kind = "cancel_succeeded"
	KindCancelFailed          Kind = "cancel_failed"
	KindChatMessage           Kind = "chat_message"
	KindSnapshot              Kind = "snapshot"

	// Intents raised by local commands
	KindArrivalConfirmRequested Kind = "arrival_confirm_requested"
	KindExpandRequested         Kind = "expand_requested"
	KindExpandSucceeded         Kind = "expand_succeeded"
	KindExpandFailed            Kind = "expand_failed"
	KindCancelRequested         Kind = "cancel_requested"
	KindChatRead                Kind = "chat_read"
)

// Header is carried by every event
type Header struct {
	At          time.Time
	Source      Source
	Channel     string
	Seq         int64
	EmergencyID string
}

func (h Header) header() Header { return h }

// Event is the sealed sum type of normalized events. Only types in this
// package can implement it.
type Event interface {
	Kind() Kind
	header() Header
}

// HeaderOf returns the common header of an event
func HeaderOf(ev Event) Header {
	return ev.header()
}

// StatusUpdated sets the status directly, subject to the transition table
type StatusUpdated struct {
	Header
	Status         model.Status
	ETAMinutes     *int
	VetLocation    *model.Point
	DistanceMeters *float64
	AutoDetected   bool
}

// LocationUpdated carries a new vet position. Location is nil when the
// payload had no usable coordinates.
type LocationUpdated struct {
	Header
	Location   *model.Point
	ETAMinutes *int
}

// Accepted is sent when a vet accepts the request
type Accepted struct {
	Header
	Vet            *model.Vet
	ConversationID string
	ETAMinutes     *int
}

// Cancelled is sent when the server cancels the request
type Cancelled struct {
	Header
	Reason     string
	ReasonCode string
	FeeApplied *float64
}

// NoVetsAvailable is a cancellation caused by lack of capacity
type NoVetsAvailable struct {
	Header
	Reason string
}

// Completed finishes the request. Snapshot is filled by the engine with the
// authoritative record fetched before the transition is finalized.
type Completed struct {
	Header
	Snapshot *model.EmergencyRequest
}

// ServiceStarted is the in-service signal, possibly auto-detected by proximity
type ServiceStarted struct {
	Header
	AutoDetected   bool
	DistanceMeters *float64
}

// DispatchAttemptFailed reports one failed manual dispatch cycle. Attempt is
// the server's ordinal for the failed cycle, 0 when the payload omitted it.
type DispatchAttemptFailed struct {
	Header
	Attempt int
}

// SignalKey identifies the failure signal so replays are not counted twice
func (e DispatchAttemptFailed) SignalKey() string {
	switch {
	case e.Attempt > 0:
		return fmt.Sprintf("attempt:%d", e.Attempt)
	case e.Seq > 0:
		return fmt.Sprintf("seq:%s:%d", e.Channel, e.Seq)
	default:
		return fmt.Sprintf("at:%d", e.At.UnixNano())
	}
}

// SearchExpanded is pushed once the server widened the search radius
type SearchExpanded struct {
	Header
	RadiusKm *float64
}

// ArrivalConfirmed acknowledges a manual arrival confirmation
type ArrivalConfirmed struct {
	Header
}

// ArrivalConfirmFailed rejects a manual arrival confirmation
type ArrivalConfirmFailed struct {
	Header
	Message string
}

// CancelSucceeded acknowledges a cancel command
type CancelSucceeded struct {
	Header
	FeeApplied *float64
}

// CancelFailed rejects a cancel command
type CancelFailed struct {
	Header
	Message string
}

// ChatMessage signals a new chat message on the request's conversation
type ChatMessage struct {
	Header
	ConversationID string
	MessageID      string
}

// MessageKey identifies the message for unread bookkeeping
func (e ChatMessage) MessageKey() string {
	switch {
	case e.MessageID != "":
		return e.MessageID
	case e.Seq > 0:
		return fmt.Sprintf("seq:%s:%d", e.Channel, e.Seq)
	default:
		return fmt.Sprintf("at:%d", e.At.UnixNano())
	}
}

// Snapshot is an authoritative record from the poller or a forced re-fetch
type Snapshot struct {
	Header
	Request model.EmergencyRequest
}

// ArrivalConfirmRequested is the intent to confirm arrival manually
type ArrivalConfirmRequested struct {
	Header
}

// ExpandRequested is the intent to expand the search radius
type ExpandRequested struct {
	Header
}

// ExpandSucceeded is the outcome of a successful expand-search command
type ExpandSucceeded struct {
	Header
}

// ExpandFailed is the outcome of a failed expand-search command
type ExpandFailed struct {
	Header
	Message string
}

// CancelRequested is the intent to cancel the request
type CancelRequested struct {
	Header
	Reason     string
	ReasonCode string
}

// ChatRead clears the unread counter
type ChatRead struct {
	Header
}

func (StatusUpdated) Kind() Kind           { return KindStatusUpdated }
func (LocationUpdated) Kind() Kind         { return KindLocationUpdated }
func (Accepted) Kind() Kind                { return KindAccepted }
func (Cancelled) Kind() Kind               { return KindCancelled }
func (NoVetsAvailable) Kind() Kind         { return KindNoVetsAvailable }
func (Completed) Kind() Kind               { return KindCompleted }
func (ServiceStarted) Kind() Kind          { return KindServiceStarted }
func (DispatchAttemptFailed) Kind() Kind   { return KindDispatchAttemptFailed }
func (SearchExpanded) Kind() Kind          { return KindSearchExpanded }
func (ArrivalConfirmed) Kind() Kind        { return KindArrivalConfirmed }
func (ArrivalConfirmFailed) Kind() Kind    { return KindArrivalConfirmFailed }
func (CancelSucceeded) Kind() Kind         { return KindCancelSucceeded }
func (CancelFailed) Kind() Kind            { return KindCancelFailed }
func (ChatMessage) Kind() Kind             { return KindChatMessage }
func (Snapshot) Kind() Kind                { return KindSnapshot }
func (ArrivalConfirmRequested) Kind() Kind { return KindArrivalConfirmRequested }
func (ExpandRequested) Kind() Kind         { return KindExpandRequested }
func (ExpandSucceeded) Kind() Kind         { return KindExpandSucceeded }
func (ExpandFailed) Kind() Kind            { return KindExpandFailed }
func (CancelRequested) Kind() Kind         { return KindCancelRequested }
func (ChatRead) Kind() Kind                { return KindChatRead }
