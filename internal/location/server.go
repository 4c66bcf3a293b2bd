package location

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// Sender emits events on the live session.
type Sender interface {
	Send(ctx context.Context, event string, payload any)
}

// ActiveRide returns the ride that device fixes belong to.
type ActiveRide func() (string, bool)

// Server ingests fixes from the driver's device and relays them to the
// backend as updateLocation events for the active ride.
type Server struct {
	sender Sender
	active ActiveRide
	logger *zap.Logger
}

// NewServer constructs a feed server.
func NewServer(sender Sender, active ActiveRide, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sender: sender, active: active, logger: logger}
}

// StreamFixes relays every fix until the device closes the stream.
func (s *Server) StreamFixes(stream Feed_StreamFixesServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if s.Forward(stream.Context(), msg) {
			ack.Forwarded++
		} else {
			ack.Dropped++
		}
	}
}

// Forward relays one fix. Fixes arriving without an active ride, or naming a
// different ride, are dropped.
func (s *Server) Forward(ctx context.Context, fix *DriverFix) bool {
	rideID, ok := s.active()
	if !ok || (fix.RideId != "" && fix.RideId != rideID) {
		feedFixesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	s.sender.Send(ctx, domain.EventUpdateLocation, domain.LocationPayload{
		RideID: rideID,
		Lat:    fix.Lat,
		Lng:    fix.Lng,
		TS:     fix.Ts,
	})
	feedFixesTotal.WithLabelValues("forwarded").Inc()
	return true
}
