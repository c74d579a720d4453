package grpc

import (
	"encoding/json"

	"google.golang.org/grpc"
)

const (
	ServiceName     = "dispatch.v1.Broadcast"
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
)

// SubscribeRequest opens a stream; it mirrors the WebSocket subscribe frame.
type SubscribeRequest struct {
	Topics       []string          `json:"topics"`
	FromSequence *uint64           `json:"from_sequence,omitempty"`
	Cursors      map[string]uint64 `json:"cursors,omitempty"`
}

type BroadcastServer interface {
	Subscribe(*SubscribeRequest, SubscribeStream) error
}

// SubscribeStream carries pre-encoded wire envelopes to the client.
type SubscribeStream interface {
	Send(json.RawMessage) error
	grpc.ServerStream
}

type subscribeStream struct {
	grpc.ServerStream
}

func (s *subscribeStream) Send(frame json.RawMessage) error {
	return s.ServerStream.SendMsg(frame)
}

// BroadcastServiceDesc is registered with the JSON codec; there is no
// protobuf schema behind it.
var BroadcastServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BroadcastServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dispatch/v1/broadcast.json",
}

func RegisterBroadcastServer(s grpc.ServiceRegistrar, srv BroadcastServer) {
	s.RegisterService(&BroadcastServiceDesc, srv)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BroadcastServer).Subscribe(req, &subscribeStream{stream})
}
