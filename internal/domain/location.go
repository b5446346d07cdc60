package domain

import "time"

// Location is a position fix produced by the tracking layer. It serializes
// into the opaque payload document the sync engine delivers.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Speed     float64
	Heading   float64
	Altitude  float64
	IsMoving  bool
	Timestamp time.Time
}

// Document converts the location into a queueable payload.
func (l Location) Document() Payload {
	return Payload{
		"coords": map[string]any{
			"latitude":  l.Latitude,
			"longitude": l.Longitude,
			"accuracy":  l.Accuracy,
			"speed":     l.Speed,
			"heading":   l.Heading,
			"altitude":  l.Altitude,
		},
		"is_moving": l.IsMoving,
		"timestamp": l.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Geofence transition actions.
const (
	GeofenceActionEnter = "ENTER"
	GeofenceActionExit  = "EXIT"
	GeofenceActionDwell = "DWELL"
)

// GeofenceEvent is a geofence transition produced by the monitoring layer.
type GeofenceEvent struct {
	Identifier string
	Action     string
	Location   Location
	Timestamp  time.Time
}

// Document converts the geofence event into a queueable payload.
func (g GeofenceEvent) Document() Payload {
	return Payload{
		"geofence": map[string]any{
			"identifier": g.Identifier,
			"action":     g.Action,
		},
		"location":  map[string]any(g.Location.Document()),
		"timestamp": g.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
