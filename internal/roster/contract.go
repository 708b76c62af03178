// Package roster is the gRPC contract for the team roster collaborator and
// the client the saga uses to call it. Messages are google.protobuf.Struct
// values so the contract needs no generated code.
package roster

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "roster.v1.Roster"

	MethodApplyTeamChange    = "ApplyTeamChange"
	MethodValidateTeamSwitch = "ValidateTeamSwitch"
)

// Field names used in request and response structs.
const (
	FieldUserID         = "user_id"
	FieldFromTeamID     = "from_team_id"
	FieldToTeamID       = "to_team_id"
	FieldIdempotencyKey = "idempotency_key"
	FieldApplied        = "applied"
)

// TeamChange is the payload of both RPCs.
type TeamChange struct {
	UserID         string
	FromTeamID     string
	ToTeamID       string
	IdempotencyKey string
}

// Server is implemented by roster backends.
type Server interface {
	// ApplyTeamChange must be idempotent: replaying a change already applied
	// under the same idempotency key succeeds with applied set to false.
	ApplyTeamChange(ctx context.Context, change TeamChange) (applied bool, err error)
	ValidateTeamSwitch(ctx context.Context, change TeamChange) error
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the roster service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodApplyTeamChange, Handler: applyTeamChangeHandler},
		{MethodName: MethodValidateTeamSwitch, Handler: validateTeamSwitchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roster/v1/roster.proto",
}

// Register attaches srv to a grpc server.
func Register(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func applyTeamChangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		applied, err := srv.(Server).ApplyTeamChange(ctx, changeFromStruct(req.(*structpb.Struct)))
		if err != nil {
			return nil, err
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			FieldApplied: structpb.NewBoolValue(applied),
		}}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(MethodApplyTeamChange)}, call)
}

func validateTeamSwitchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(Server).ValidateTeamSwitch(ctx, changeFromStruct(req.(*structpb.Struct))); err != nil {
			return nil, err
		}
		return &structpb.Struct{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(MethodValidateTeamSwitch)}, call)
}

func changeToStruct(c TeamChange) *structpb.Struct {
	fields := map[string]*structpb.Value{
		FieldUserID: structpb.NewStringValue(c.UserID),
	}
	if c.FromTeamID != "" {
		fields[FieldFromTeamID] = structpb.NewStringValue(c.FromTeamID)
	}
	if c.ToTeamID != "" {
		fields[FieldToTeamID] = structpb.NewStringValue(c.ToTeamID)
	}
	if c.IdempotencyKey != "" {
		fields[FieldIdempotencyKey] = structpb.NewStringValue(c.IdempotencyKey)
	}
	return &structpb.Struct{Fields: fields}
}

func changeFromStruct(s *structpb.Struct) TeamChange {
	str := func(key string) string {
		if v, ok := s.GetFields()[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return TeamChange{
		UserID:         str(FieldUserID),
		FromTeamID:     str(FieldFromTeamID),
		ToTeamID:       str(FieldToTeamID),
		IdempotencyKey: str(FieldIdempotencyKey),
	}
}
