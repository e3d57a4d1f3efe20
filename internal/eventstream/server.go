package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/speed-camera/internal/camera/l5events"
)

const (
	serviceName    = "speedcam.EventStream"
	subscribeRoute = "/" + serviceName + "/Subscribe"
)

// EventStreamServer is the server API of speedcam.EventStream.
type EventStreamServer interface {
	// Subscribe streams one google.protobuf.Struct per detection until the
	// client goes away or the server stops.
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

// ServiceDesc describes speedcam.EventStream. The messages are well-known
// types so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EventStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "speedcam/eventstream.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventStreamServer).Subscribe(req, stream)
}

// Server implements EventStreamServer on top of a Broker.
type Server struct {
	broker     *Broker
	maxClients int
}

// NewServer streams from broker. maxClients <= 0 means no limit.
func NewServer(broker *Broker, maxClients int) *Server {
	return &Server{broker: broker, maxClients: maxClients}
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Subscribe implements EventStreamServer.
func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	if s.maxClients > 0 && s.broker.Subscribers() >= s.maxClients {
		return status.Errorf(codes.ResourceExhausted, "at most %d subscribers", s.maxClients)
	}

	id, events := s.broker.Subscribe()
	defer s.broker.Unsubscribe(id)
	log.Printf("[eventstream] subscriber %s connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[eventstream] subscriber %s gone: %v", id, ctx.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := ToStruct(ev)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event %s: %v", ev.ID, err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Serve listens on addr and serves the event stream until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	s.Register(gs)

	go func() {
		<-ctx.Done()
		log.Println("shutting down gRPC server...")
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		// open streams only end when their clients leave
		select {
		case <-stopped:
		case <-time.After(time.Second):
			gs.Stop()
		}
	}()

	log.Printf("gRPC event stream listening on %s", lis.Addr())
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("gRPC serve: %w", err)
	}
	return nil
}

// ToStruct converts ev into its JSON shape as a google.protobuf.Struct.
func ToStruct(ev *l5events.DetectionEvent) (*structpb.Struct, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct is the inverse of ToStruct.
func FromStruct(st *structpb.Struct) (*l5events.DetectionEvent, error) {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, err
	}
	var ev l5events.DetectionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
