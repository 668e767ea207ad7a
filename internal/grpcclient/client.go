package grpcclient

import (
	"context"
	"encoding/base64"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/upload"
)

// ClassifyMethod is the unary RPC served by remote classifiers. Requests and
// responses are google.protobuf.Struct messages.
const ClassifyMethod = "/classifier.v1.Classifier/Classify"

// DialClassifier returns a ready-to-use classifier backed by a remote gRPC service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Provider, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewProvider(conn, logger), conn, nil
}

// Provider implements classifier.Provider over a gRPC connection.
type Provider struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

var _ classifier.Provider = (*Provider)(nil)

func NewProvider(conn grpc.ClientConnInterface, logger *zap.Logger) *Provider {
	return &Provider{conn: conn, logger: logger.Named("grpc_classifier")}
}

// Classify sends the image to the remote service. Cancelling ctx aborts the call.
func (p *Provider) Classify(ctx context.Context, file upload.File) (*classifier.Prediction, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"file_name":    file.Name,
		"content_type": file.ContentType,
		"image_data":   base64.StdEncoding.EncodeToString(file.Data),
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_request", "", err)
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		p.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("file_name", file.Name))
		return nil, wrapped
	}

	fields := resp.GetFields()
	pred := &classifier.Prediction{
		Label:      fields["label"].GetStringValue(),
		Confidence: int(math.Round(fields["confidence"].GetNumberValue())),
	}
	if err := classifier.CheckPrediction(pred); err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	return pred, nil
}
