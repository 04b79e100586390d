// Package api exposes the daemon over gRPC. Requests and responses are
// protobuf well-known types so no generated code is needed; the service
// descriptors below play the role protoc-gen-go-grpc output would.
package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/inbox"
	"github.com/matheus3301/livesync/internal/rest"
	"github.com/matheus3301/livesync/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully-qualified service names.
const (
	SessionServiceName  = "livesync.v1.SessionService"
	InboxServiceName    = "livesync.v1.InboxService"
	PresenceServiceName = "livesync.v1.PresenceService"
)

const protoFile = "livesync/v1/control.proto"

// FullMethod returns the gRPC method path for service and method.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a MethodDesc that decodes a Req, calls the server method
// and runs the interceptor chain the same way generated handlers do.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, S any, Resp proto.Message](service, name string, call func(S, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(PReq))
			})
		},
	}
}

// toStruct converts any JSON-encodable object into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// toValue converts an event payload into a Value. Errors become their
// message. Returns nil for payloads that cannot be represented.
func toValue(v any) *structpb.Value {
	var b []byte
	switch p := v.(type) {
	case nil:
		return nil
	case error:
		return structpb.NewStringValue(p.Error())
	case json.RawMessage:
		if len(p) == 0 {
			return nil
		}
		b = p
	default:
		var err error
		if b, err = json.Marshal(p); err != nil {
			return nil
		}
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil
	}
	return out
}

// FromStruct decodes a Struct into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// grpcError maps domain errors onto status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	var se *rest.StatusError
	switch {
	case errors.Is(err, credential.ErrInvalid), errors.Is(err, transport.ErrAuthRejected):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, inbox.ErrInvalidInput):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, inbox.ErrNoSession):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &se):
		if rest.IsAuthFailure(err) {
			return grpcstatus.Error(codes.PermissionDenied, err.Error())
		}
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

var errNotLoggedIn = grpcstatus.Error(codes.FailedPrecondition, "not logged in")
