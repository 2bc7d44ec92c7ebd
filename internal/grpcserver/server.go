package grpcserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/oceanwatch/internal/grpcclient"
	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/logging"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/usecase"
	"github.com/example/oceanwatch/internal/verification"
)

const (
	VerifierService    = "oceanwatch.v1.Verifier"
	ModelScorerService = "oceanwatch.v1.ModelScorer"
	VerifyMethod       = "/" + VerifierService + "/Verify"

	// UserIDHeader carries the caller identity in request metadata.
	UserIDHeader = "x-user-id"
	defaultUser  = "grpc"

	// DefaultMaxUploadBytes applies when New is given a non-positive limit.
	DefaultMaxUploadBytes = 10 << 20
	messageOverhead       = 64 << 10
)

// Verifier is the use case surface behind the Verify RPC.
type Verifier interface {
	VerifyImage(ctx context.Context, userID string, img usecase.Image, expected hazard.Class) (string, *verification.Verdict, error)
}

// Server exposes verification and remote scoring over gRPC.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New registers the Verifier service and, when scorer is not nil, the
// ModelScorer service. maxUpload caps the decoded image size of a Verify
// call; the receive limit is sized to fit its base64 form.
func New(verifier Verifier, scorer model.Backend, maxUpload int64, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	logger = logger.Named("grpc_server")
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	opts = append(opts,
		grpc.MaxRecvMsgSize(maxRecvSize(maxUpload)),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&verifierServiceDesc, &verifierService{verifier: verifier, maxBytes: maxUpload})
	s.health.SetServingStatus(VerifierService, healthpb.HealthCheckResponse_SERVING)
	if scorer != nil {
		s.grpc.RegisterService(&scorerServiceDesc, &scorerService{backend: scorer})
		s.health.SetServingStatus(ModelScorerService, healthpb.HealthCheckResponse_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks the services as not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// maxRecvSize fits a base64 image of maxUpload bytes and, for the scorer, one
// float32 tensor.
func maxRecvSize(maxUpload int64) int {
	size := int64(base64.StdEncoding.EncodedLen(int(maxUpload))) + messageOverhead
	tensor := int64(4*imageprocessor.InputHeight*imageprocessor.InputWidth*imageprocessor.Channels) + messageOverhead
	if tensor > size {
		size = tensor
	}
	return int(size)
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		opLogger := logging.WithOperation(logger, info.FullMethod, "")
		if err != nil {
			opLogger.Warn("rpc failed",
				zap.Error(err),
				zap.String("failed_operation", logging.OperationOf(err)),
				zap.Duration("latency", time.Since(started)),
			)
		} else {
			opLogger.Debug("rpc served", zap.Duration("latency", time.Since(started)))
		}
		return resp, err
	}
}

type verifierServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type scorerServer interface {
	Score(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var verifierServiceDesc = grpc.ServiceDesc{
	ServiceName: VerifierService,
	HandlerType: (*verifierServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Verify",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(verifierServer).Verify(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(verifierServer).Verify(ctx, req.(*structpb.Struct))
			})
		},
	}},
	Streams: []grpc.StreamDesc{},
}

var scorerServiceDesc = grpc.ServiceDesc{
	ServiceName: ModelScorerService,
	HandlerType: (*scorerServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Score",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(scorerServer).Score(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcclient.ScoreMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(scorerServer).Score(ctx, req.(*wrapperspb.BytesValue))
			})
		},
	}},
	Streams: []grpc.StreamDesc{},
}

type verifierService struct {
	verifier Verifier
	maxBytes int64
}

// Verify expects {image_base64, expected_hazard_type} and answers with the
// verdict plus request_id.
func (v *verifierService) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	encoded := fields["image_base64"].GetStringValue()
	if encoded == "" {
		return nil, status.Error(codes.InvalidArgument, "image_base64 is required")
	}
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > v.maxBytes+2 {
		return nil, status.Error(codes.ResourceExhausted, "image exceeds upload limit")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "image_base64 is not valid base64")
	}
	if int64(len(data)) > v.maxBytes {
		return nil, status.Error(codes.ResourceExhausted, "image exceeds upload limit")
	}

	var expected hazard.Class
	if name := fields["expected_hazard_type"].GetStringValue(); name != "" {
		if expected, err = hazard.Parse(name); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	requestID, verdict, err := v.verifier.VerifyImage(ctx, userFrom(ctx), usecase.Image{Name: "grpc", Data: data}, expected)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return verdictStruct(requestID, verdict)
}

func userFrom(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(UserIDHeader); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return defaultUser
}

func verdictStruct(requestID string, verdict *verification.Verdict) (*structpb.Struct, error) {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	fields["request_id"] = requestID
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

type scorerService struct {
	backend model.Backend
}

// Score runs the hosted backend on a unit range tensor.
func (s *scorerService) Score(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	values, err := grpcclient.DecodeTensor(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	want := imageprocessor.InputHeight * imageprocessor.InputWidth * imageprocessor.Channels
	if len(values) != want {
		return nil, status.Errorf(codes.InvalidArgument, "tensor has %d values, expected %d", len(values), want)
	}

	tensor := &imageprocessor.Tensor{Range: imageprocessor.RangeUnit, Float: values}
	if s.backend.InputRange() == imageprocessor.RangeUint8 {
		tensor = toUint8(values)
	}
	out, err := s.backend.Score(ctx, tensor)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	resp, err := grpcclient.EncodeOutput(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func toUint8(values []float32) *imageprocessor.Tensor {
	out := make([]uint8, len(values))
	for i, v := range values {
		switch {
		case v <= 0:
			out[i] = 0
		case v >= 1:
			out[i] = 255
		default:
			out[i] = uint8(v*255 + 0.5)
		}
	}
	return &imageprocessor.Tensor{Range: imageprocessor.RangeUint8, Uint8: out}
}
