package api

import (
	"context"

	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/presence"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Presence is the tracker surface exposed over gRPC.
type Presence interface {
	Status() presence.Status
	Interact(kind string)
	SetVisible(visible bool)
	Unload()
	CheckStatus(ctx context.Context, userID model.ID) (*model.UserStatus, error)
}

// PresenceServer is the server API for PresenceService.
type PresenceServer interface {
	ReportActivity(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SetVisible(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	Unload(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CheckStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// PresenceServiceDesc describes PresenceService.
var PresenceServiceDesc = grpc.ServiceDesc{
	ServiceName: PresenceServiceName,
	HandlerType: (*PresenceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[wrapperspb.StringValue](PresenceServiceName, "ReportActivity", PresenceServer.ReportActivity),
		unary[wrapperspb.BoolValue](PresenceServiceName, "SetVisible", PresenceServer.SetVisible),
		unary[emptypb.Empty](PresenceServiceName, "Unload", PresenceServer.Unload),
		unary[wrapperspb.StringValue](PresenceServiceName, "CheckStatus", PresenceServer.CheckStatus),
	},
	Metadata: protoFile,
}

// RegisterPresenceServer registers srv on s.
func RegisterPresenceServer(s grpc.ServiceRegistrar, srv PresenceServer) {
	s.RegisterService(&PresenceServiceDesc, srv)
}

// PresenceService implements PresenceServer. Front ends report the
// user's interactions and visibility through it.
type PresenceService struct {
	tracker Presence
}

// NewPresenceService creates a new presence service.
func NewPresenceService(tracker Presence) *PresenceService {
	return &PresenceService{tracker: tracker}
}

func (s *PresenceService) ReportActivity(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	kind := req.GetValue()
	if kind == "" {
		kind = "key"
	}
	s.tracker.Interact(kind)
	return &emptypb.Empty{}, nil
}

func (s *PresenceService) SetVisible(_ context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	s.tracker.SetVisible(req.GetValue())
	return &emptypb.Empty{}, nil
}

func (s *PresenceService) Unload(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.tracker.Unload()
	return &emptypb.Empty{}, nil
}

func (s *PresenceService) CheckStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user id is required")
	}
	st, err := s.tracker.CheckStatus(ctx, model.ID(req.GetValue()))
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(st)
}
