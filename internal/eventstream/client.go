package eventstream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/speed-camera/internal/camera/l5events"
)

// Subscription is the client side of a Subscribe call.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens the event stream on cc. Cancel ctx to end it.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface) (*Subscription, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], subscribeRoute)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server ends
// the stream.
func (s *Subscription) Recv() (*l5events.DetectionEvent, error) {
	st := new(structpb.Struct)
	if err := s.stream.RecvMsg(st); err != nil {
		return nil, err
	}
	return FromStruct(st)
}
