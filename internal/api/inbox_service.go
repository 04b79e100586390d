package api

import (
	"context"

	"github.com/matheus3301/livesync/internal/inbox"
	"github.com/matheus3301/livesync/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Inbox is the coordinator surface exposed over gRPC.
type Inbox interface {
	Notifications() []model.Notification
	Conversations() []model.Conversation
	Counters() inbox.Counters
	Refresh(ctx context.Context) error
	MarkNotificationRead(ctx context.Context, id model.ID)
	MarkAllNotificationsRead(ctx context.Context)
	ClearAllNotifications(ctx context.Context)
	MarkMessageRead(ctx context.Context, id model.ID)
	MarkConversationRead(ctx context.Context, partner model.ID)
	SendMessage(ctx context.Context, recipient model.ID, content, messageType string, metadata map[string]any) (*model.Message, error)
}

// InboxServer is the server API for InboxService.
type InboxServer interface {
	ListNotifications(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConversations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Refresh(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	MarkNotificationRead(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	MarkAllNotificationsRead(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ClearNotifications(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	MarkMessageRead(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	MarkConversationRead(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// InboxServiceDesc describes InboxService.
var InboxServiceDesc = grpc.ServiceDesc{
	ServiceName: InboxServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[emptypb.Empty](InboxServiceName, "ListNotifications", InboxServer.ListNotifications),
		unary[emptypb.Empty](InboxServiceName, "ListConversations", InboxServer.ListConversations),
		unary[emptypb.Empty](InboxServiceName, "Refresh", InboxServer.Refresh),
		unary[wrapperspb.StringValue](InboxServiceName, "MarkNotificationRead", InboxServer.MarkNotificationRead),
		unary[emptypb.Empty](InboxServiceName, "MarkAllNotificationsRead", InboxServer.MarkAllNotificationsRead),
		unary[emptypb.Empty](InboxServiceName, "ClearNotifications", InboxServer.ClearNotifications),
		unary[wrapperspb.StringValue](InboxServiceName, "MarkMessageRead", InboxServer.MarkMessageRead),
		unary[wrapperspb.StringValue](InboxServiceName, "MarkConversationRead", InboxServer.MarkConversationRead),
		unary[structpb.Struct](InboxServiceName, "SendMessage", InboxServer.SendMessage),
	},
	Metadata: protoFile,
}

// RegisterInboxServer registers srv on s.
func RegisterInboxServer(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&InboxServiceDesc, srv)
}

// InboxService implements InboxServer. Every call requires a logged-in
// session.
type InboxService struct {
	inbox    Inbox
	sessions Sessions
}

// NewInboxService creates a new inbox service.
func NewInboxService(ib Inbox, sessions Sessions) *InboxService {
	return &InboxService{inbox: ib, sessions: sessions}
}

func (s *InboxService) loggedIn() bool {
	return s.sessions.Info().LoggedIn
}

func (s *InboxService) ListNotifications(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	return toStruct(map[string]any{
		"notifications": s.inbox.Notifications(),
		"unread":        s.inbox.Counters().Notifications,
	})
}

func (s *InboxService) ListConversations(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	return toStruct(map[string]any{
		"conversations": s.inbox.Conversations(),
		"unread":        s.inbox.Counters().Messages,
	})
}

func (s *InboxService) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	if err := s.inbox.Refresh(ctx); err != nil {
		return nil, grpcError(err)
	}
	return toStruct(s.inbox.Counters())
}

func (s *InboxService) MarkNotificationRead(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "notification id is required")
	}
	s.inbox.MarkNotificationRead(ctx, model.ID(req.GetValue()))
	return &emptypb.Empty{}, nil
}

func (s *InboxService) MarkAllNotificationsRead(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	s.inbox.MarkAllNotificationsRead(ctx)
	return &emptypb.Empty{}, nil
}

func (s *InboxService) ClearNotifications(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	s.inbox.ClearAllNotifications(ctx)
	return &emptypb.Empty{}, nil
}

func (s *InboxService) MarkMessageRead(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message id is required")
	}
	s.inbox.MarkMessageRead(ctx, model.ID(req.GetValue()))
	return &emptypb.Empty{}, nil
}

func (s *InboxService) MarkConversationRead(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "partner id is required")
	}
	s.inbox.MarkConversationRead(ctx, model.ID(req.GetValue()))
	return &emptypb.Empty{}, nil
}

// SendMessage takes a Struct shaped like model.SendRequest and returns the
// stored message.
func (s *InboxService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !s.loggedIn() {
		return nil, errNotLoggedIn
	}
	var in model.SendRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	msg, err := s.inbox.SendMessage(ctx, in.RecipientID, in.Content, in.MessageType, in.Metadata)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(msg)
}
