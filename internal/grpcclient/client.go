package grpcclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/logging"
	"github.com/example/oceanwatch/internal/model"
)

// ScoreMethod is the full method name of the remote scorer.
const ScoreMethod = "/oceanwatch.v1.ModelScorer/Score"

const dialTimeout = 5 * time.Second

// Dialer returns a model.RemoteDialer that connects with the given options.
// Without options the connection is insecure and blocks until ready.
func Dialer(logger *zap.Logger, opts ...grpc.DialOption) model.RemoteDialer {
	return func(ctx context.Context, addr string) (model.Backend, io.Closer, error) {
		return DialModelScorer(ctx, addr, logger, opts...)
	}
}

// DialModelScorer connects to a remote full precision scorer.
func DialModelScorer(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (model.Backend, io.Closer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		}
	}
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_model_scorer", "", err)
		logger.Error("failed to dial model scorer", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &remoteScorer{conn: conn, logger: logger.Named("remote_scorer")}, conn, nil
}

type remoteScorer struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (r *remoteScorer) Kind() model.Kind { return model.FullPrecision }

func (r *remoteScorer) InputRange() imageprocessor.Range { return imageprocessor.RangeUnit }

func (r *remoteScorer) Score(ctx context.Context, tensor *imageprocessor.Tensor) (model.RawOutput, error) {
	if tensor == nil || tensor.Range != imageprocessor.RangeUnit {
		return model.RawOutput{}, errors.New("remote scorer needs a unit range tensor")
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, ScoreMethod, wrapperspb.Bytes(EncodeTensor(tensor.Float)), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.score", "", err)
		r.logger.Warn("remote score failed", zap.Error(wrapped))
		return model.RawOutput{}, wrapped
	}
	return DecodeOutput(resp)
}

// EncodeTensor packs values as little-endian float32.
func EncodeTensor(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload of %d bytes is not float32 aligned", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return values, nil
}

// EncodeOutput renders raw scores as a scorer response.
func EncodeOutput(out model.RawOutput) (*structpb.Struct, error) {
	scores := make([]any, len(out.HazardScores))
	for i, s := range out.HazardScores {
		scores[i] = float64(s)
	}
	return structpb.NewStruct(map[string]any{
		"hazard_scores":   scores,
		"synthetic_score": float64(out.SyntheticScore),
	})
}

// DecodeOutput reads a scorer response. Value ranges are checked later by the
// prediction adapter.
func DecodeOutput(resp *structpb.Struct) (model.RawOutput, error) {
	fields := resp.GetFields()
	list := fields["hazard_scores"].GetListValue()
	if list == nil {
		return model.RawOutput{}, errors.New("response is missing hazard_scores")
	}
	synthetic, ok := fields["synthetic_score"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return model.RawOutput{}, errors.New("response is missing synthetic_score")
	}
	scores := make([]float32, len(list.GetValues()))
	for i, v := range list.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return model.RawOutput{}, fmt.Errorf("hazard score %d is not a number", i)
		}
		scores[i] = float32(n.NumberValue)
	}
	return model.RawOutput{HazardScores: scores, SyntheticScore: float32(synthetic.NumberValue)}, nil
}
