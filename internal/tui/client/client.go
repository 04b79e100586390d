package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/livesync/internal/api"
	"github.com/matheus3301/livesync/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, api.FullMethod(service, method), in, out)
}

func (c *Client) session(ctx context.Context, method string, in proto.Message) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, api.SessionServiceName, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) inboxCall(ctx context.Context, method string, in proto.Message) error {
	return c.invoke(ctx, api.InboxServiceName, method, in, &emptypb.Empty{})
}

func decode[T any](s *structpb.Struct) (*T, error) {
	var v T
	if err := api.FromStruct(s, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	s, err := c.session(ctx, "GetStatus", &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return decode[api.Status](s)
}

// Login installs token in the daemon.
func (c *Client) Login(ctx context.Context, token string) (*api.Status, error) {
	s, err := c.session(ctx, "Login", wrapperspb.String(token))
	if err != nil {
		return nil, err
	}
	return decode[api.Status](s)
}

// Logout ends the daemon's session.
func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, api.SessionServiceName, "Logout", &emptypb.Empty{}, &emptypb.Empty{})
}

// NotificationList is the ListNotifications response body.
type NotificationList struct {
	Notifications []model.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

// ConversationList is the ListConversations response body.
type ConversationList struct {
	Conversations []model.Conversation `json:"conversations"`
	Unread        int                  `json:"unread"`
}

// Notifications lists notifications, most recent first.
func (c *Client) Notifications(ctx context.Context) (*NotificationList, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, api.InboxServiceName, "ListNotifications", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return decode[NotificationList](out)
}

// Conversations lists conversations, most recently active first.
func (c *Client) Conversations(ctx context.Context) (*ConversationList, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, api.InboxServiceName, "ListConversations", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return decode[ConversationList](out)
}

// Counters is the Refresh response body.
type Counters struct {
	Notifications int `json:"notifications"`
	Messages      int `json:"messages"`
}

// Refresh asks the daemon to refetch both lists.
func (c *Client) Refresh(ctx context.Context) (*Counters, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, api.InboxServiceName, "Refresh", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return decode[Counters](out)
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.inboxCall(ctx, "MarkNotificationRead", wrapperspb.String(id))
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.inboxCall(ctx, "MarkAllNotificationsRead", &emptypb.Empty{})
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.inboxCall(ctx, "ClearNotifications", &emptypb.Empty{})
}

func (c *Client) MarkMessageRead(ctx context.Context, id string) error {
	return c.inboxCall(ctx, "MarkMessageRead", wrapperspb.String(id))
}

func (c *Client) MarkConversationRead(ctx context.Context, partner string) error {
	return c.inboxCall(ctx, "MarkConversationRead", wrapperspb.String(partner))
}

// SendMessage sends content to recipient and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	in, err := structpb.NewStruct(map[string]any{
		"recipient_id": string(req.RecipientID),
		"content":      req.Content,
		"message_type": req.MessageType,
	})
	if err != nil {
		return nil, err
	}
	if len(req.Metadata) > 0 {
		md, err := structpb.NewStruct(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		in.Fields["metadata"] = structpb.NewStructValue(md)
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, api.InboxServiceName, "SendMessage", in, out); err != nil {
		return nil, err
	}
	return decode[model.Message](out)
}

// ReportActivity tells the daemon the user interacted.
func (c *Client) ReportActivity(ctx context.Context, kind string) error {
	return c.invoke(ctx, api.PresenceServiceName, "ReportActivity", wrapperspb.String(kind), &emptypb.Empty{})
}

// SetVisible reports whether the front end is shown.
func (c *Client) SetVisible(ctx context.Context, visible bool) error {
	return c.invoke(ctx, api.PresenceServiceName, "SetVisible", wrapperspb.Bool(visible), &emptypb.Empty{})
}

// Unload reports that the front end is going away.
func (c *Client) Unload(ctx context.Context) error {
	return c.invoke(ctx, api.PresenceServiceName, "Unload", &emptypb.Empty{}, &emptypb.Empty{})
}

// CheckStatus returns another user's last known presence.
func (c *Client) CheckStatus(ctx context.Context, userID string) (*model.UserStatus, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, api.PresenceServiceName, "CheckStatus", wrapperspb.String(userID), out); err != nil {
		return nil, err
	}
	return decode[model.UserStatus](out)
}

// Event is one WatchEvents item.
type Event struct {
	ID         string `json:"event_id"`
	Profile    string `json:"profile"`
	Kind       string `json:"kind"`
	OccurredMs int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

// WatchEvents streams daemon events whose kind starts with prefix until
// ctx is cancelled or the stream fails. The channel is closed on return.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (<-chan Event, <-chan error, error) {
	desc := &api.SessionServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.SessionServiceName, desc.StreamName))
	if err != nil {
		return nil, nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}

	events := make(chan Event, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				errc <- err
				return
			}
			evt, err := decode[Event](msg)
			if err != nil {
				continue
			}
			select {
			case events <- *evt:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return events, errc, nil
}
