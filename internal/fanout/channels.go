package fanout

import "strings"

// ChannelKind is the entity a channel tracks.
type ChannelKind string

const (
	KindTrip    ChannelKind = "trip"
	KindRoute   ChannelKind = "route"
	KindVehicle ChannelKind = "vehicle"
	KindAdmin   ChannelKind = "admin"
	// KindUser carries events private to one user. Clients never name it;
	// a stream opened with an identity is subscribed to its own.
	KindUser ChannelKind = "user"
)

// AdminChannel receives every vehicle and schedule event.
const AdminChannel = "admin"

func TripChannel(tripID string) string { return string(KindTrip) + ":" + tripID }

func RouteChannel(routeID string) string { return string(KindRoute) + ":" + routeID }

func VehicleChannel(vehicleID string) string { return string(KindVehicle) + ":" + vehicleID }

func UserChannel(userID string) string { return string(KindUser) + ":" + userID }

// ParseChannel splits a channel name into its kind and entity id.
func ParseChannel(name string) (ChannelKind, string, bool) {
	if name == AdminChannel {
		return KindAdmin, "", true
	}
	kind, id, found := strings.Cut(name, ":")
	if !found || id == "" || strings.ContainsAny(id, " \t\r\n") {
		return "", "", false
	}
	switch ChannelKind(kind) {
	case KindTrip, KindRoute, KindVehicle, KindUser:
		return ChannelKind(kind), id, true
	default:
		return "", "", false
	}
}
