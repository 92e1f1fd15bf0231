package schema

// Envelope is the minimal shape every pushed frame must have. Payload fields
// stay unconstrained so partially populated events still get through.
var Envelope = map[string]interface{}{
	"type":     "object",
	"required": []string{"type"},
	"properties": map[string]interface{}{
		"type":    map[string]interface{}{"type": "string", "minLength": 1},
		"channel": map[string]interface{}{"type": "string"},
		"seq":     map[string]interface{}{"type": []string{"integer", "string"}},
		"data":    map[string]interface{}{"type": []string{"object", "null"}},
	},
}

// TrackingSnapshot is the shape of GET /emergencies/{id}/tracking
var TrackingSnapshot = map[string]interface{}{
	"type":     "object",
	"required": []string{"emergency"},
	"properties": map[string]interface{}{
		"emergency": map[string]interface{}{
			"type":     "object",
			"required": []string{"id", "status"},
			"properties": map[string]interface{}{
				"id":     map[string]interface{}{"type": "string", "minLength": 1},
				"status": map[string]interface{}{"type": "string", "minLength": 1},
				"mode":   map[string]interface{}{"type": "string"},
			},
		},
		"vet":      map[string]interface{}{"type": []string{"object", "null"}},
		"pet":      map[string]interface{}{"type": []string{"object", "null"}},
		"tracking": map[string]interface{}{"type": []string{"object", "null"}},
		"pricing":  map[string]interface{}{"type": []string{"object", "null"}},
	},
}
