package grpcserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/oceanwatch/internal/grpcclient"
	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/model/modeltest"
	"github.com/example/oceanwatch/internal/usecase"
	"github.com/example/oceanwatch/internal/verification"
)

type stubVerifier struct {
	userID   string
	expected hazard.Class
	data     []byte
	err      error
}

func (s *stubVerifier) VerifyImage(ctx context.Context, userID string, img usecase.Image, expected hazard.Class) (string, *verification.Verdict, error) {
	s.userID, s.expected, s.data = userID, expected, img.Data
	if s.err != nil {
		return "", nil, s.err
	}
	return "req-42", &verification.Verdict{Status: verification.StatusVerified, Message: verification.MessageVerified, Confidence: 0.9}, nil
}

func startServer(t *testing.T, verifier Verifier, scorer model.Backend) []grpc.DialOption {
	t.Helper()
	return startServerWithLimit(t, verifier, scorer, 0)
}

func startServerWithLimit(t *testing.T, verifier Verifier, scorer model.Backend, maxUpload int64) []grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(verifier, scorer, maxUpload, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func dial(t *testing.T, opts []grpc.DialOption) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.DialContext(context.Background(), "bufnet", opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestVerifyRPC(t *testing.T) {
	verifier := &stubVerifier{}
	conn := dial(t, startServer(t, verifier, nil))

	req, err := structpb.NewStruct(map[string]any{
		"image_base64":         base64.StdEncoding.EncodeToString([]byte("fake-image")),
		"expected_hazard_type": "storm-surge",
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), UserIDHeader, "user-7")
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, VerifyMethod, req, resp); err != nil {
		t.Fatalf("verify: %v", err)
	}

	fields := resp.GetFields()
	if fields["request_id"].GetStringValue() != "req-42" || fields["status"].GetStringValue() != "verified" {
		t.Fatalf("unexpected response %v", resp)
	}
	if verifier.userID != "user-7" || verifier.expected != hazard.StormSurge || string(verifier.data) != "fake-image" {
		t.Fatalf("unexpected verifier call %+v", verifier)
	}
}

func TestVerifyRPCRejectsBadInput(t *testing.T) {
	conn := dial(t, startServer(t, &stubVerifier{}, nil))

	cases := map[string]map[string]any{
		"missing image": {},
		"bad base64":    {"image_base64": "%%%"},
		"bad hazard":    {"image_base64": "aGk=", "expected_hazard_type": "volcano"},
	}
	for name, fields := range cases {
		req, _ := structpb.NewStruct(fields)
		err := conn.Invoke(context.Background(), VerifyMethod, req, &structpb.Struct{})
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%s: expected InvalidArgument, got %v", name, err)
		}
	}
}

func TestVerifyRPCHonoursUploadLimit(t *testing.T) {
	verifier := &stubVerifier{}
	conn := dial(t, startServerWithLimit(t, verifier, nil, 1024))

	req, _ := structpb.NewStruct(map[string]any{"image_base64": base64.StdEncoding.EncodeToString(make([]byte, 2048))})
	err := conn.Invoke(context.Background(), VerifyMethod, req, &structpb.Struct{})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if verifier.data != nil {
		t.Fatal("oversized images must not be verified")
	}
}

func TestVerifyRPCAcceptsImagesAboveDefaultMessageSize(t *testing.T) {
	verifier := &stubVerifier{}
	conn := dial(t, startServerWithLimit(t, verifier, nil, 6<<20))

	payload := bytes.Repeat([]byte{0xAB}, 5<<20)
	req, _ := structpb.NewStruct(map[string]any{"image_base64": base64.StdEncoding.EncodeToString(payload)})
	if err := conn.Invoke(context.Background(), VerifyMethod, req, &structpb.Struct{}); err != nil {
		t.Fatalf("expected a 5 MiB image to be accepted, got %v", err)
	}
	if len(verifier.data) != len(payload) {
		t.Fatalf("verifier received %d bytes, expected %d", len(verifier.data), len(payload))
	}
}

func TestVerifyRPCReportsUseCaseFailure(t *testing.T) {
	conn := dial(t, startServer(t, &stubVerifier{err: errors.New("db down")}, nil))

	req, _ := structpb.NewStruct(map[string]any{"image_base64": "aGk="})
	err := conn.Invoke(context.Background(), VerifyMethod, req, &structpb.Struct{})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestHealthReportsRegisteredServices(t *testing.T) {
	conn := dial(t, startServer(t, &stubVerifier{}, nil))
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: VerifierService})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected verifier serving, got %v %v", resp, err)
	}
	_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ModelScorerService})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("scorer is not hosted, expected NotFound, got %v", err)
	}
}

func TestScoreRejectsWrongShape(t *testing.T) {
	backend := &modeltest.StubBackend{KindValue: model.FullPrecision}
	conn := dial(t, startServer(t, &stubVerifier{}, backend))

	err := conn.Invoke(context.Background(), grpcclient.ScoreMethod, wrapperspb.Bytes(grpcclient.EncodeTensor([]float32{1, 2})), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if backend.Calls() != 0 {
		t.Fatal("backend must not run on a malformed tensor")
	}
}

func TestRemoteScorerRoundTrip(t *testing.T) {
	hosted, err := model.NewBackend(modeltest.BiasedArtifact(hazard.Debris, false))
	if err != nil {
		t.Fatalf("build backend: %v", err)
	}
	opts := startServer(t, &stubVerifier{}, hosted)

	registry := model.LoadRegistry(context.Background(), model.RegistryConfig{
		Dir:               t.TempDir(),
		FullPrecisionAddr: "bufnet",
		Dial:              grpcclient.Dialer(zap.NewNop(), append(opts, grpc.WithBlock())...),
	}, zap.NewNop())
	t.Cleanup(func() { registry.Close() })

	kind, _ := registry.Select()
	if kind != model.FullPrecision {
		t.Fatalf("expected remote full precision backend, got %s", kind)
	}

	engine := verification.NewEngine(registry, zap.NewNop(), verification.Options{})
	verdict := engine.Verify(context.Background(), verification.Bytes("sea", encodePNG(t)), hazard.Debris)

	if verdict.Status != verification.StatusVerified {
		t.Fatalf("expected verified verdict, got %+v", verdict)
	}
	if verdict.HazardDetection.DetectedType != hazard.Debris || verdict.Model != "full_precision" {
		t.Fatalf("unexpected detection %+v via %s", verdict.HazardDetection, verdict.Model)
	}
}

func TestRemoteScorerFallsBackWhenServerFails(t *testing.T) {
	backend := &modeltest.StubBackend{KindValue: model.FullPrecision, Err: errors.New("out of memory")}
	opts := startServer(t, &stubVerifier{}, backend)

	remote, closer, err := grpcclient.DialModelScorer(context.Background(), "bufnet", zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { closer.Close() })

	tensor := &imageprocessor.Tensor{
		Range: imageprocessor.RangeUnit,
		Float: make([]float32, imageprocessor.InputHeight*imageprocessor.InputWidth*imageprocessor.Channels),
	}
	if _, err := remote.Score(context.Background(), tensor); status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected Internal error, got %v", err)
	}
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 90, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
