package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vettrack/internal/model"
	"vettrack/internal/schema"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
)

// eventNames maps wire event names (after normalization) to kinds
var eventNames = map[string]Kind{
	"emergency.status_updated":            KindStatusUpdated,
	"emergency.status_update":             KindStatusUpdated,
	"emergency.location_updated":          KindLocationUpdated,
	"emergency.location_update":           KindLocationUpdated,
	"emergency.vet_location":              KindLocationUpdated,
	"emergency.accepted":                  KindAccepted,
	"emergency.cancelled":                 KindCancelled,
	"emergency.canceled":                  KindCancelled,
	"emergency.no_vets_available":         KindNoVetsAvailable,
	"emergency.completed":                 KindCompleted,
	"emergency.in_service":                KindServiceStarted,
	"emergency.manual_attempts_exhausted": KindDispatchAttemptFailed,
	"emergency.search_expanded":           KindSearchExpanded,
	"emergency.arrival_confirmed":         KindArrivalConfirmed,
	"emergency.confirm_arrival_success":   KindArrivalConfirmed,
	"emergency.arrival_confirm_failed":    KindArrivalConfirmFailed,
	"emergency.confirm_arrival_error":     KindArrivalConfirmFailed,
	"emergency.cancel_succeeded":          KindCancelSucceeded,
	"emergency.cancel_success":            KindCancelSucceeded,
	"emergency.cancel_failed":             KindCancelFailed,
	"emergency.cancel_error":              KindCancelFailed,
	"chat.message":                        KindChatMessage,
	"chat.new_message":                    KindChatMessage,
}

// NormalizeName lower-cases an event name and unifies separators
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, ":", ".")
	n = strings.ReplaceAll(n, "-", "_")
	return n
}

// Decoder turns raw push frames into normalized events
type Decoder struct {
	schemas *schema.Compiler
}

// NewDecoder creates a decoder. A nil compiler skips envelope validation.
func NewDecoder(schemas *schema.Compiler) *Decoder {
	return &Decoder{schemas: schemas}
}

type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Seq     model.OptInt    `json:"seq"`
	Data    json.RawMessage `json:"data"`
}

type wirePoint struct {
	Lat model.OptFloat `json:"lat"`
	Lng model.OptFloat `json:"lng"`
}

func (p *wirePoint) point() *model.Point {
	if p == nil || !p.Lat.Valid || !p.Lng.Valid {
		return nil
	}
	return &model.Point{Lat: p.Lat.V, Lng: p.Lng.V}
}

type wireVet struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type payload struct {
	Type           string         `json:"type"`
	Timestamp      string         `json:"timestamp"`
	EmergencyID    string         `json:"emergencyId"`
	Status         string         `json:"status"`
	ETA            model.OptInt   `json:"eta"`
	Distance       model.OptFloat `json:"distance"`
	AutoDetected   model.OptBool  `json:"autoDetected"`
	AutoConfirmed  model.OptBool  `json:"autoConfirmed"`
	Location       *wirePoint     `json:"location"`
	VetLocation    *wirePoint     `json:"vetLocation"`
	Vet            *wireVet       `json:"vet"`
	ConversationID string         `json:"conversationId"`
	Reason         string         `json:"reason"`
	ReasonCode     string         `json:"reasonCode"`
	Fee            model.OptFloat `json:"cancellationFee"`
	Attempts       model.OptInt   `json:"attempts"`
	RadiusKm       model.OptFloat `json:"radiusKm"`
	Message        string         `json:"message"`
	MessageID      string         `json:"messageId"`
}

// Decode normalizes one pushed frame. receivedAt is used when the payload
// carries no timestamp. Only unparsable frames and unknown event names are
// errors; missing optional fields leave the corresponding event field unset.
func (d *Decoder) Decode(raw []byte, receivedAt time.Time) (Event, error) {
	if d.schemas != nil {
		if err := d.schemas.ValidateJSON(schema.Envelope, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	body := raw
	if env.Type == "event" && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		body = env.Data
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind, ok := eventNames[NormalizeName(p.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, p.Type)
	}

	h := Header{
		At:          receivedAt,
		Source:      SourcePush,
		Channel:     env.Channel,
		Seq:         int64(env.Seq.V),
		EmergencyID: p.EmergencyID,
	}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		h.At = ts
	}

	return build(kind, h, p), nil
}

func build(kind Kind, h Header, p payload) Event {
	switch kind {
	case KindStatusUpdated:
		ev := StatusUpdated{
			Header:         h,
			ETAMinutes:     p.ETA.Ptr(),
			VetLocation:    p.VetLocation.point(),
			DistanceMeters: p.Distance.Ptr(),
			AutoDetected:   p.AutoDetected.V || p.AutoConfirmed.V,
		}
		if st, ok := model.ParseStatus(p.Status); ok {
			ev.Status = st
		}
		return ev
	case KindLocationUpdated:
		loc := p.Location.point()
		if loc == nil {
			loc = p.VetLocation.point()
		}
		return LocationUpdated{Header: h, Location: loc, ETAMinutes: p.ETA.Ptr()}
	case KindAccepted:
		ev := Accepted{Header: h, ConversationID: p.ConversationID, ETAMinutes: p.ETA.Ptr()}
		if p.Vet != nil && (p.Vet.ID != "" || p.Vet.Name != "" || p.Vet.Phone != "") {
			ev.Vet = &model.Vet{ID: p.Vet.ID, Name: p.Vet.Name, Phone: p.Vet.Phone}
		}
		return ev
	case KindCancelled:
		return Cancelled{Header: h, Reason: p.Reason, ReasonCode: p.ReasonCode, FeeApplied: p.Fee.Ptr()}
	case KindNoVetsAvailable:
		reason := p.Reason
		if reason == "" {
			reason = p.Message
		}
		return NoVetsAvailable{Header: h, Reason: reason}
	case KindCompleted:
		return Completed{Header: h}
	case KindServiceStarted:
		return ServiceStarted{
			Header:         h,
			AutoDetected:   p.AutoDetected.V || p.AutoConfirmed.V,
			DistanceMeters: p.Distance.Ptr(),
		}
	case KindDispatchAttemptFailed:
		return DispatchAttemptFailed{Header: h, Attempt: p.Attempts.V}
	case KindSearchExpanded:
		return SearchExpanded{Header: h, RadiusKm: p.RadiusKm.Ptr()}
	case KindArrivalConfirmed:
		return ArrivalConfirmed{Header: h}
	case KindArrivalConfirmFailed:
		return ArrivalConfirmFailed{Header: h, Message: p.Message}
	case KindCancelSucceeded:
		return CancelSucceeded{Header: h, FeeApplied: p.Fee.Ptr()}
	case KindCancelFailed:
		return CancelFailed{Header: h, Message: p.Message}
	default:
		return ChatMessage{Header: h, ConversationID: p.ConversationID, MessageID: p.MessageID}
	}
}
