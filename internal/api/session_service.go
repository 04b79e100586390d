package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/inbox"
	"github.com/matheus3301/livesync/internal/presence"
	"github.com/matheus3301/livesync/internal/session"
	"github.com/matheus3301/livesync/internal/status"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Sessions is the login surface of session.Manager.
type Sessions interface {
	Login(ctx context.Context, token string) error
	Logout(reason string)
	Info() session.Info
}

// ChannelState reports the realtime channel's connection state.
type ChannelState interface {
	State() status.State
}

// PresenceState reports the local user's presence.
type PresenceState interface {
	Status() presence.Status
}

// InboxState reports counters and the last sync failure.
type InboxState interface {
	Counters() inbox.Counters
	SyncError() error
}

// SessionServer is the server API for SessionService.
type SessionServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Login(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchEvents(*wrapperspb.StringValue, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// SessionServiceDesc describes SessionService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[emptypb.Empty](SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary[wrapperspb.StringValue](SessionServiceName, "Login", SessionServer.Login),
		unary[emptypb.Empty](SessionServiceName, "Logout", SessionServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(wrapperspb.StringValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SessionServer).WatchEvents(in, &eventStream{stream})
			},
		},
	},
	Metadata: protoFile,
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&SessionServiceDesc, srv)
}

// SessionService implements SessionServer.
type SessionService struct {
	profile   string
	startedAt time.Time
	sessions  Sessions
	channel   ChannelState
	presence  PresenceState
	inbox     InboxState
	bus       *bus.Bus
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, sessions Sessions, channel ChannelState, pres PresenceState, ib InboxState, b *bus.Bus) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		sessions:  sessions,
		channel:   channel,
		presence:  pres,
		inbox:     ib,
		bus:       b,
	}
}

// Status is the GetStatus response body.
type Status struct {
	Profile       string `json:"profile"`
	UptimeMs      int64  `json:"uptime_ms"`
	LoggedIn      bool   `json:"logged_in"`
	User          string `json:"user,omitempty"`
	ExpiresUnixMs int64  `json:"expires_unix_ms,omitempty"`
	Connection    string `json:"connection"`
	Presence      string `json:"presence"`
	Notifications int    `json:"notifications_unread"`
	Messages      int    `json:"messages_unread"`
	SyncError     string `json:"sync_error,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

func (s *SessionService) status() Status {
	info := s.sessions.Info()
	st := Status{
		Profile:    s.profile,
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		LoggedIn:   info.LoggedIn,
		User:       info.User,
		Connection: string(s.channel.State()),
		Presence:   string(s.presence.Status()),
	}
	if info.LoggedIn {
		st.ExpiresUnixMs = info.Expires.UnixMilli()
	}
	c := s.inbox.Counters()
	st.Notifications, st.Messages = c.Notifications, c.Messages
	if err := s.inbox.SyncError(); err != nil {
		st.SyncError = err.Error()
	}
	return st
}

func (s *SessionService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.status())
}

// Login returns the new status. A realtime failure after the credential
// was accepted is reported in the warning field, not as an error.
func (s *SessionService) Login(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	err := s.sessions.Login(ctx, req.GetValue())
	if errors.Is(err, credential.ErrInvalid) {
		return nil, grpcError(err)
	}
	st := s.status()
	if err != nil {
		if !st.LoggedIn {
			return nil, grpcError(err)
		}
		st.Warning = err.Error()
	}
	return toStruct(st)
}

func (s *SessionService) Logout(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.sessions.Logout(session.ReasonUser)
	return &emptypb.Empty{}, nil
}

// WatchEvents streams bus events whose kind starts with the requested
// prefix. An empty prefix streams everything.
func (s *SessionService) WatchEvents(req *wrapperspb.StringValue, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(req.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.Send(eventToStruct(s.profile, evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func eventToStruct(profile string, evt bus.Event) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"event_id":            structpb.NewStringValue(uuid.New().String()),
		"profile":             structpb.NewStringValue(profile),
		"kind":                structpb.NewStringValue(evt.Kind),
		"occurred_at_unix_ms": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
	}
	if v := toValue(evt.Payload); v != nil {
		fields["payload"] = v
	}
	return &structpb.Struct{Fields: fields}
}
