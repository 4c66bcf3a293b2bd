package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type RideStatus string

const (
	StatusNone       RideStatus = ""
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

var allowedTransitions = map[RideStatus][]RideStatus{
	StatusNone:       {StatusRequested, StatusAccepted, StatusInProgress},
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusNone},
	StatusCancelled:  {StatusNone},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no action transition is possible without an explicit clear.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the status belongs to a live, non-terminal ride.
func (s RideStatus) Active() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusInProgress:
		return true
	default:
		return false
	}
}

// Assigned reports whether a driver is bound to the ride and ride-scoped traffic is expected.
func (s RideStatus) Assigned() bool {
	return s == StatusAccepted || s == StatusInProgress
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Place is a pickup or dropoff descriptor. The backend sends either a bare
// address string or an object with coordinates.
type Place struct {
	Address string    `json:"address,omitempty"`
	Point   *GeoPoint `json:"-"`
}

func (p Place) MarshalJSON() ([]byte, error) {
	if p.Point == nil {
		return json.Marshal(p.Address)
	}
	return json.Marshal(struct {
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		Address string  `json:"address,omitempty"`
	}{p.Point.Lat, p.Point.Lng, p.Address})
}

func (p *Place) UnmarshalJSON(data []byte) error {
	var address string
	if err := json.Unmarshal(data, &address); err == nil {
		*p = Place{Address: address}
		return nil
	}
	var obj struct {
		Lat     *float64 `json:"lat"`
		Lng     *float64 `json:"lng"`
		Address string   `json:"address"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode place: %w", err)
	}
	*p = Place{Address: obj.Address}
	if obj.Lat != nil && obj.Lng != nil {
		p.Point = &GeoPoint{Lat: *obj.Lat, Lng: *obj.Lng}
	}
	return nil
}

// Ride is a full snapshot as pushed by the backend. Snapshots replace each
// other wholesale; they are never patched.
type Ride struct {
	ID        string     `json:"id"`
	Status    RideStatus `json:"status"`
	Pickup    Place      `json:"pickup"`
	Dropoff   Place      `json:"dropoff"`
	FareCents int64      `json:"fare_cents"`
	RiderID   string     `json:"rider_id,omitempty"`
	DriverID  string     `json:"driver_id,omitempty"`
}

// Clone returns a copy that shares no pointers with r.
func (r Ride) Clone() Ride {
	out := r
	if r.Pickup.Point != nil {
		p := *r.Pickup.Point
		out.Pickup.Point = &p
	}
	if r.Dropoff.Point != nil {
		p := *r.Dropoff.Point
		out.Dropoff.Point = &p
	}
	return out
}

// Route is immutable once computed.
type Route struct {
	Geometry       []GeoPoint
	DistanceMeters float64
	Duration       time.Duration
}

func (r Route) DistanceKM() float64 { return r.DistanceMeters / 1000 }

type PositionSample struct {
	Point      GeoPoint
	ServerTime time.Time
	ReceivedAt time.Time
}

// LooseID decodes an identifier sent either as a JSON string or a number.
type LooseID string

func (id *LooseID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = LooseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = LooseID(n.String())
	return nil
}

type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Credential struct {
	Token string
}

func (c Credential) Empty() bool { return c.Token == "" }

type RoomKind string

const (
	RoomPersonal   RoomKind = "personal"
	RoomRideScoped RoomKind = "ride"
)

type Room struct {
	Kind RoomKind
	Key  string
}

func PersonalRoom(userID string) Room { return Room{Kind: RoomPersonal, Key: userID} }

func RideRoom(rideID string) Room { return Room{Kind: RoomRideScoped, Key: rideID} }

func (r Room) String() string { return string(r.Kind) + ":" + r.Key }

// Socket event names shared with the backend.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventJoinRideRoom   = "joinRideRoom"
	EventLeaveRideRoom  = "leaveRideRoom"
	EventRideUpdated    = "rideUpdated"
	EventDriverLocation = "driverLocationUpdate"
	EventUpdateLocation = "updateLocation"
	EventSessionOpened  = "session.connected"
	EventSessionDropped = "session.disconnected"
)

type UserRoomPayload struct {
	UserID string `json:"userId"`
}

type RideRoomPayload struct {
	RideID string `json:"rideId"`
}

// LocationPayload is the body of driverLocationUpdate and updateLocation.
type LocationPayload struct {
	RideID string  `json:"rideId"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	TS     int64   `json:"ts,omitempty"`
}

// ChangeKind names the piece of core state that changed.
type ChangeKind string

const (
	ChangeRide     ChangeKind = "ride"
	ChangePosition ChangeKind = "position"
	ChangeRoute    ChangeKind = "route"
	ChangeETA      ChangeKind = "eta"
	ChangeSession  ChangeKind = "session"
	ChangeNotice   ChangeKind = "notice"
	ChangePreview  ChangeKind = "preview"
)

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Change is delivered to renderers subscribed to the core.
type Change struct {
	Kind   ChangeKind
	RideID string
	Notice *Notice
}

type Notice struct {
	Level   NoticeLevel
	Message string
}

// Notifier receives core state changes.
type Notifier interface {
	Notify(change Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Change)

func (f NotifierFunc) Notify(change Change) {
	if f != nil {
		f(change)
	}
}

// Transition describes one replacement of the current ride. A zero Next
// means the ride was cleared.
type Transition struct {
	Prev Ride
	Next Ride
}

// RideRequest is the payload for requesting a new ride.
type RideRequest struct {
	Pickup    GeoPoint `json:"pickup"`
	Dropoff   GeoPoint `json:"dropoff"`
	FareCents int64    `json:"fare_cents"`
}

// ActionAPI is the ride-action collaborator.
type ActionAPI interface {
	RequestRide(ctx context.Context, cred Credential, req RideRequest) (Ride, error)
	AcceptRide(ctx context.Context, cred Credential, rideID string) (Ride, error)
	StartRide(ctx context.Context, cred Credential, rideID string) (Ride, error)
	CompleteRide(ctx context.Context, cred Credential, rideID string) (Ride, error)
}

// Router is the external routing collaborator.
type Router interface {
	Route(ctx context.Context, origin, destination GeoPoint) (Route, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
