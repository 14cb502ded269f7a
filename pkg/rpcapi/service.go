package rpcapi

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "vaultraft.VaultRaft"

// ServerAPI is implemented by pkg/server.Server. It is the HandlerType
// behind ServiceDesc, the same role proto.WarrenAPIServer plays for
// cuemby-warren's generated stubs.
type ServerAPI interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	GetNonce(context.Context, *GetNonceRequest) (*GetNonceResponse, error)
	GetList(context.Context, *GetListRequest) (*GetListResponse, error)
	GetAll(context.Context, *GetAllRequest) (*GetAllResponse, error)
	GetById(context.Context, *GetByIdRequest) (*GetByIdResponse, error)
	SetOne(context.Context, *SetOneRequest) (*SetOneResponse, error)
	SetRecords(context.Context, *SetRecordsRequest) (*SetRecordsResponse, error)
	DeleteById(context.Context, *DeleteByIdRequest) (*DeleteByIdResponse, error)
	DeleteAll(context.Context, *DeleteAllRequest) (*DeleteAllResponse, error)
	Init(context.Context, *InitRequest) (*InitResponse, error)
	AddLearner(context.Context, *AddLearnerRequest) (*AddLearnerResponse, error)
	ChangeMembership(context.Context, *ChangeMembershipRequest) (*ChangeMembershipResponse, error)
	Metrics(context.Context, *MetricsRequest) (*MetricsResponse, error)
	Forward(context.Context, *ForwardRequest) (*ForwardResponse, error)
}

func registerHandler(method string, newIn func() interface{}, call func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newIn()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv, ctx, req)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc is registered on a *grpc.Server with grpc.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ServerAPI)(nil),
	Metadata:    "vaultraft/rpcapi",
	Methods: []grpc.MethodDesc{
		registerHandler("Register", func() interface{} { return new(RegisterRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).Register(ctx, in.(*RegisterRequest))
		}),
		registerHandler("GetNonce", func() interface{} { return new(GetNonceRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).GetNonce(ctx, in.(*GetNonceRequest))
		}),
		registerHandler("GetList", func() interface{} { return new(GetListRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).GetList(ctx, in.(*GetListRequest))
		}),
		registerHandler("GetAll", func() interface{} { return new(GetAllRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).GetAll(ctx, in.(*GetAllRequest))
		}),
		registerHandler("GetById", func() interface{} { return new(GetByIdRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).GetById(ctx, in.(*GetByIdRequest))
		}),
		registerHandler("SetOne", func() interface{} { return new(SetOneRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).SetOne(ctx, in.(*SetOneRequest))
		}),
		registerHandler("SetRecords", func() interface{} { return new(SetRecordsRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).SetRecords(ctx, in.(*SetRecordsRequest))
		}),
		registerHandler("DeleteById", func() interface{} { return new(DeleteByIdRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).DeleteById(ctx, in.(*DeleteByIdRequest))
		}),
		registerHandler("DeleteAll", func() interface{} { return new(DeleteAllRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).DeleteAll(ctx, in.(*DeleteAllRequest))
		}),
		registerHandler("Init", func() interface{} { return new(InitRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).Init(ctx, in.(*InitRequest))
		}),
		registerHandler("AddLearner", func() interface{} { return new(AddLearnerRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).AddLearner(ctx, in.(*AddLearnerRequest))
		}),
		registerHandler("ChangeMembership", func() interface{} { return new(ChangeMembershipRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).ChangeMembership(ctx, in.(*ChangeMembershipRequest))
		}),
		registerHandler("Metrics", func() interface{} { return new(MetricsRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).Metrics(ctx, in.(*MetricsRequest))
		}),
		registerHandler("Forward", func() interface{} { return new(ForwardRequest) }, func(srv interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return srv.(ServerAPI).Forward(ctx, in.(*ForwardRequest))
		}),
	},
	Streams: []grpc.StreamDesc{},
}

// Client is a thin wrapper over a *grpc.ClientConn, mirroring
// cuemby-warren's pkg/client.Client but targeting ServiceDesc's
// hand-rolled methods through grpc.ClientConn.Invoke directly instead
// of a generated *XxxClient.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an already-dialed connection. Dialing (including
// any transport credentials) is the caller's responsibility — see
// pkg/server's forwarding client for the dial logic used internally.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return FromGRPCError(err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	return out, c.invoke(ctx, "Register", in, out, opts...)
}

func (c *Client) GetNonce(ctx context.Context, in *GetNonceRequest, opts ...grpc.CallOption) (*GetNonceResponse, error) {
	out := new(GetNonceResponse)
	return out, c.invoke(ctx, "GetNonce", in, out, opts...)
}

func (c *Client) GetList(ctx context.Context, in *GetListRequest, opts ...grpc.CallOption) (*GetListResponse, error) {
	out := new(GetListResponse)
	return out, c.invoke(ctx, "GetList", in, out, opts...)
}

func (c *Client) GetAll(ctx context.Context, in *GetAllRequest, opts ...grpc.CallOption) (*GetAllResponse, error) {
	out := new(GetAllResponse)
	return out, c.invoke(ctx, "GetAll", in, out, opts...)
}

func (c *Client) GetById(ctx context.Context, in *GetByIdRequest, opts ...grpc.CallOption) (*GetByIdResponse, error) {
	out := new(GetByIdResponse)
	return out, c.invoke(ctx, "GetById", in, out, opts...)
}

func (c *Client) SetOne(ctx context.Context, in *SetOneRequest, opts ...grpc.CallOption) (*SetOneResponse, error) {
	out := new(SetOneResponse)
	return out, c.invoke(ctx, "SetOne", in, out, opts...)
}

func (c *Client) SetRecords(ctx context.Context, in *SetRecordsRequest, opts ...grpc.CallOption) (*SetRecordsResponse, error) {
	out := new(SetRecordsResponse)
	return out, c.invoke(ctx, "SetRecords", in, out, opts...)
}

func (c *Client) DeleteById(ctx context.Context, in *DeleteByIdRequest, opts ...grpc.CallOption) (*DeleteByIdResponse, error) {
	out := new(DeleteByIdResponse)
	return out, c.invoke(ctx, "DeleteById", in, out, opts...)
}

func (c *Client) DeleteAll(ctx context.Context, in *DeleteAllRequest, opts ...grpc.CallOption) (*DeleteAllResponse, error) {
	out := new(DeleteAllResponse)
	return out, c.invoke(ctx, "DeleteAll", in, out, opts...)
}

func (c *Client) Init(ctx context.Context, in *InitRequest, opts ...grpc.CallOption) (*InitResponse, error) {
	out := new(InitResponse)
	return out, c.invoke(ctx, "Init", in, out, opts...)
}

func (c *Client) AddLearner(ctx context.Context, in *AddLearnerRequest, opts ...grpc.CallOption) (*AddLearnerResponse, error) {
	out := new(AddLearnerResponse)
	return out, c.invoke(ctx, "AddLearner", in, out, opts...)
}

func (c *Client) ChangeMembership(ctx context.Context, in *ChangeMembershipRequest, opts ...grpc.CallOption) (*ChangeMembershipResponse, error) {
	out := new(ChangeMembershipResponse)
	return out, c.invoke(ctx, "ChangeMembership", in, out, opts...)
}

func (c *Client) Metrics(ctx context.Context, in *MetricsRequest, opts ...grpc.CallOption) (*MetricsResponse, error) {
	out := new(MetricsResponse)
	return out, c.invoke(ctx, "Metrics", in, out, opts...)
}

func (c *Client) Forward(ctx context.Context, in *ForwardRequest, opts ...grpc.CallOption) (*ForwardResponse, error) {
	out := new(ForwardResponse)
	return out, c.invoke(ctx, "Forward", in, out, opts...)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.cc.Close()
}
