package location

import (
	"encoding/json"

	"google.golang.org/grpc"
)

// DriverFix is one GPS fix streamed by a driver device.
type DriverFix struct {
	RideId   string  `json:"ride_id,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Speed    float64 `json:"speed,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Ts       int64   `json:"ts,omitempty"`
}

// Ack is returned when the device closes its stream.
type Ack struct {
	Forwarded int32 `json:"forwarded"`
	Dropped   int32 `json:"dropped"`
}

// FeedServer defines the gRPC contract.
type FeedServer interface {
	StreamFixes(Feed_StreamFixesServer) error
}

// FeedStreamDesc describes the client-streaming StreamFixes call.
var FeedStreamDesc = grpc.StreamDesc{
	StreamName:    "StreamFixes",
	Handler:       _Feed_StreamFixes_Handler,
	ClientStreams: true,
}

// FeedMethod is the full method name of StreamFixes.
const FeedMethod = "/location.Feed/StreamFixes"

// RegisterFeedServer registers the service implementation.
func RegisterFeedServer(s grpc.ServiceRegistrar, srv FeedServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "location.Feed",
		HandlerType: (*FeedServer)(nil),
		Streams:     []grpc.StreamDesc{FeedStreamDesc},
	}, srv)
}

// Feed_StreamFixesServer is the server side of the stream.
type Feed_StreamFixesServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverFix, error)
}

func _Feed_StreamFixes_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(FeedServer).StreamFixes(&feedStreamServer{ServerStream: stream})
}

type feedStreamServer struct {
	grpc.ServerStream
}

func (s *feedStreamServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *feedStreamServer) Recv() (*DriverFix, error) {
	msg := new(DriverFix)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// JSONCodec carries feed messages as JSON so devices need no generated stubs.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "json" }

// ServerCodec forces the JSON codec on a gRPC server.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(JSONCodec{})
}
