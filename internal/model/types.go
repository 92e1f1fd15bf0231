package model

import (
	"strings"
	"time"
)

// Status represents the lifecycle status of an emergency request
type Status string

const (
	StatusPending      Status = "pending"
	StatusVetAssigned  Status = "vet_assigned"
	StatusAccepted     Status = "accepted"
	StatusOnWay        Status = "on_way"
	StatusArrived      Status = "arrived"
	StatusTutorArrived Status = "tutor_arrived"
	StatusInService    Status = "in_service"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

var knownStatuses = map[Status]bool{
	StatusPending:      true,
	StatusVetAssigned:  true,
	StatusAccepted:     true,
	StatusOnWay:        true,
	StatusArrived:      true,
	StatusTutorArrived: true,
	StatusInService:    true,
	StatusCompleted:    true,
	StatusCancelled:    true,
}

// ParseStatus normalizes wire spellings ("on-way", "ON_WAY", "canceled") into a Status.
func ParseStatus(s string) (Status, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.ReplaceAll(norm, " ", "_")
	if norm == "canceled" {
		norm = string(StatusCancelled)
	}
	st := Status(norm)
	return st, knownStatuses[st]
}

// Terminal reports whether no further status mutation is accepted
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Mode represents where the service happens
type Mode string

const (
	ModeHome   Mode = "home"
	ModeClinic Mode = "clinic"
)

// ParseMode normalizes a wire mode value. Unknown values yield "".
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "home", "domicilio":
		return ModeHome
	case "clinic", "clinica", "clínica":
		return ModeClinic
	}
	return ""
}

// Point is a geographic coordinate
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is the tutor's location for the request
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Vet is the professional assigned to the request
type Vet struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Pet is the patient of the request
type Pet struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Species string `json:"species,omitempty"`
}

// Pricing is the server-computed price breakdown
type Pricing struct {
	Total    float64 `json:"total"`
	Currency string  `json:"currency,omitempty"`
}

// Cancellation is recorded once when a request is cancelled
type Cancellation struct {
	Reason     string   `json:"reason,omitempty"`
	ReasonCode string   `json:"reasonCode,omitempty"`
	FeeApplied *float64 `json:"feeApplied,omitempty"`
}

// EmergencyRequest is the tracked entity
type EmergencyRequest struct {
	ID                    string        `json:"id"`
	Mode                  Mode          `json:"mode"`
	Status                Status        `json:"status"`
	Location              Location      `json:"location"`
	VetLocation           *Point        `json:"vetLocation,omitempty"`
	ETAMinutes            *int          `json:"eta,omitempty"`
	ConversationID        string        `json:"conversationId,omitempty"`
	Cancellation          *Cancellation `json:"cancellation,omitempty"`
	GeolocationValidated  bool          `json:"geolocationValidated"`
	ArrivalDistanceMeters *float64      `json:"arrivalDistanceMeters,omitempty"`
	ManualAttempts        int           `json:"manualAttempts"`
	Vet                   *Vet          `json:"vet,omitempty"`
	Pet                   *Pet          `json:"pet,omitempty"`
	Pricing               *Pricing      `json:"pricing,omitempty"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy so callers can never alias reducer-owned state
func (r EmergencyRequest) Clone() EmergencyRequest {
	out := r
	if r.VetLocation != nil {
		p := *r.VetLocation
		out.VetLocation = &p
	}
	if r.ETAMinutes != nil {
		v := *r.ETAMinutes
		out.ETAMinutes = &v
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		if c.FeeApplied != nil {
			f := *c.FeeApplied
			c.FeeApplied = &f
		}
		out.Cancellation = &c
	}
	if r.ArrivalDistanceMeters != nil {
		d := *r.ArrivalDistanceMeters
		out.ArrivalDistanceMeters = &d
	}
	if r.Vet != nil {
		v := *r.Vet
		out.Vet = &v
	}
	if r.Pet != nil {
		p := *r.Pet
		out.Pet = &p
	}
	if r.Pricing != nil {
		p := *r.Pricing
		out.Pricing = &p
	}
	return out
}
