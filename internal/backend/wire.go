package backend

import (
	"time"

	"vettrack/internal/model"
)

type wireLocation struct {
	Lat     model.OptFloat `json:"lat"`
	Lng     model.OptFloat `json:"lng"`
	Address string         `json:"address"`
}

func (l *wireLocation) point() *model.Point {
	if l == nil || !l.Lat.Valid || !l.Lng.Valid {
		return nil
	}
	return &model.Point{Lat: l.Lat.V, Lng: l.Lng.V}
}

type wireCancellation struct {
	Reason     string         `json:"reason"`
	ReasonCode string         `json:"reasonCode"`
	Fee        model.OptFloat `json:"cancellationFee"`
}

type wireEmergency struct {
	ID             string            `json:"id"`
	Mode           string            `json:"mode"`
	Status         string            `json:"status"`
	Location       *wireLocation     `json:"location"`
	ConversationID string            `json:"conversationId"`
	ManualAttempts model.OptInt      `json:"manualAttempts"`
	Cancellation   *wireCancellation `json:"cancellation"`
	UpdatedAt      string            `json:"updatedAt"`
}

type wireTracking struct {
	VetLocation   *wireLocation  `json:"vetLocation"`
	ETA           model.OptInt   `json:"eta"`
	Distance      model.OptFloat `json:"distance"`
	AutoValidated model.OptBool  `json:"autoValidated"`
}

type wireVet struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type wirePet struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Species string `json:"species"`
}

type wirePricing struct {
	Total    model.OptFloat `json:"total"`
	Currency string         `json:"currency"`
}

// trackingResponse is the body of GET /emergencies/{id}/tracking
type trackingResponse struct {
	Emergency wireEmergency `json:"emergency"`
	Vet       *wireVet      `json:"vet"`
	Pet       *wirePet      `json:"pet"`
	Tracking  *wireTracking `json:"tracking"`
	Pricing   *wirePricing  `json:"pricing"`
}

func (tr trackingResponse) toModel() model.EmergencyRequest {
	em := tr.Emergency
	req := model.EmergencyRequest{
		ID:             em.ID,
		ConversationID: em.ConversationID,
		Mode:           model.ParseMode(em.Mode),
		ManualAttempts: em.ManualAttempts.V,
	}
	if st, ok := model.ParseStatus(em.Status); ok {
		req.Status = st
	}
	if em.Location != nil {
		req.Location = model.Location{Lat: em.Location.Lat.V, Lng: em.Location.Lng.V, Address: em.Location.Address}
	}
	if em.Cancellation != nil {
		req.Cancellation = &model.Cancellation{
			Reason:     em.Cancellation.Reason,
			ReasonCode: em.Cancellation.ReasonCode,
			FeeApplied: em.Cancellation.Fee.Ptr(),
		}
	}
	if ts, err := time.Parse(time.RFC3339, em.UpdatedAt); err == nil {
		req.UpdatedAt = ts
	}

	if t := tr.Tracking; t != nil {
		req.VetLocation = t.VetLocation.point()
		req.ETAMinutes = t.ETA.Ptr()
		req.ArrivalDistanceMeters = t.Distance.Ptr()
		req.GeolocationValidated = t.AutoValidated.V
	}
	if v := tr.Vet; v != nil && (v.ID != "" || v.Name != "") {
		req.Vet = &model.Vet{ID: v.ID, Name: v.Name, Phone: v.Phone}
	}
	if p := tr.Pet; p != nil && (p.ID != "" || p.Name != "") {
		req.Pet = &model.Pet{ID: p.ID, Name: p.Name, Species: p.Species}
	}
	if p := tr.Pricing; p != nil && p.Total.Valid {
		req.Pricing = &model.Pricing{Total: p.Total.V, Currency: p.Currency}
	}
	return req
}
