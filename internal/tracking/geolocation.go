package tracking

import "vettrack/internal/model"

// observeProximity records server-side proximity detection. The validated
// flag only ever goes from false to true.
func observeProximity(req *model.EmergencyRequest, auto bool, distance *float64) {
	if auto {
		req.GeolocationValidated = true
	}
	if distance != nil {
		req.ArrivalDistanceMeters = floatPtr(*distance)
	}
}
