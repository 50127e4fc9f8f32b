package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gophauth.v1.Auth"

// Method names of ServiceName.
const (
	MethodLogin           = "Login"
	MethodValidateSession = "ValidateSession"
	MethodLogout          = "Logout"
	MethodListUsers       = "ListUsers"
	MethodAddUser         = "AddUser"
	MethodDeleteUser      = "DeleteUser"
	MethodIssueToken      = "IssueToken"
	MethodGetTokenInfo    = "GetTokenInfo"
	MethodGetPublicKey    = "GetPublicKey"
	MethodRotateKey       = "RotateKey"
	MethodIsAlive         = "IsAlive"
	MethodGetPID          = "GetPID"
	MethodConfigUpdate    = "ConfigUpdate"
)

// FullMethod returns the invocation path of method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// AuthServer is the handler set registered under ServiceName. Every method
// takes and returns a google.protobuf.Struct.
type AuthServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTokenInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPublicKey(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RotateKey(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsAlive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPID(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfigUpdate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(AuthServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return h(srv.(AuthServer), ctx, req.(*structpb.Struct))
			}
			if ic == nil {
				return call(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, call)
		},
	}
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodLogin, AuthServer.Login),
		unary(MethodValidateSession, AuthServer.ValidateSession),
		unary(MethodLogout, AuthServer.Logout),
		unary(MethodListUsers, AuthServer.ListUsers),
		unary(MethodAddUser, AuthServer.AddUser),
		unary(MethodDeleteUser, AuthServer.DeleteUser),
		unary(MethodIssueToken, AuthServer.IssueToken),
		unary(MethodGetTokenInfo, AuthServer.GetTokenInfo),
		unary(MethodGetPublicKey, AuthServer.GetPublicKey),
		unary(MethodRotateKey, AuthServer.RotateKey),
		unary(MethodIsAlive, AuthServer.IsAlive),
		unary(MethodGetPID, AuthServer.GetPID),
		unary(MethodConfigUpdate, AuthServer.ConfigUpdate),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gophauth/v1/auth.proto",
}

// Register attaches srv to gs.
func Register(gs grpc.ServiceRegistrar, srv AuthServer) {
	gs.RegisterService(&ServiceDesc, srv)
}
