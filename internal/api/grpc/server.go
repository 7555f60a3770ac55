package grpc

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/ingest"
	"github.com/tallyhq/tally/internal/query"
)

// Ingestor accepts one producer event.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) (ingest.Receipt, error)
}

// Querier answers analytics queries.
type Querier interface {
	Query(ctx context.Context, category string, days *int) (query.Result, error)
}

// Server implements PipelineServer over the gateway and query service.
// Either may be nil when the process does not run that role.
type Server struct {
	gateway Ingestor
	query   Querier
	logger  logrus.FieldLogger
}

var _ PipelineServer = (*Server)(nil)

// NewServer creates a pipeline server.
func NewServer(gateway Ingestor, q Querier, logger logrus.FieldLogger) *Server {
	return &Server{gateway: gateway, query: q, logger: logger}
}

// Ingest accepts the request struct as the event body. Numeric values travel
// as doubles; producers that need exact decimals send value as a string.
func (s *Server) Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.gateway == nil {
		return nil, status.Error(codes.Unimplemented, "ingestion is not served by this process")
	}
	body, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid event: %v", err)
	}
	receipt, err := s.gateway.Ingest(ctx, body)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"message":        "Data ingested successfully",
		"sequenceNumber": receipt.SequenceNumber,
	})
}

// Analytics reads optional "category" (string) and "days" (number) fields.
// metric_value is returned as its exact decimal text.
func (s *Server) Analytics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.query == nil {
		return nil, status.Error(codes.Unimplemented, "analytics are not served by this process")
	}
	fields := req.GetFields()

	var category string
	if v, ok := fields["category"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			sv, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "category must be a string")
			}
			category = sv.StringValue
		}
	}

	var days *int
	if v, ok := fields["days"]; ok {
		nv, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || nv.NumberValue != math.Trunc(nv.NumberValue) {
			return nil, status.Error(codes.InvalidArgument, "days must be an integer")
		}
		n := int(nv.NumberValue)
		days = &n
	}

	res, err := s.query.Query(ctx, category, days)
	if err != nil {
		return nil, toStatus(err)
	}

	data := make([]interface{}, 0, len(res.Items))
	for _, it := range res.Items {
		var cat interface{}
		if it.Category != nil {
			cat = *it.Category
		}
		data = append(data, map[string]interface{}{
			"id":           it.ID,
			"timestamp":    it.Timestamp,
			"category":     cat,
			"metric_value": it.MetricValue.String(),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"data":  data,
		"count": res.Count,
	})
}

func toStatus(err error) error {
	return status.Error(tallyerrors.GRPCCode(err), tallyerrors.Message(err))
}

type requestIDKey struct{}

// extractRequestID reads x-request-id from incoming metadata or generates one.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// RequestID returns the request ID attached by UnaryInterceptor.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// UnaryInterceptor attaches a request ID, recovers panics and logs each call.
func UnaryInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		requestID := extractRequestID(ctx)
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				logger.WithFields(logrus.Fields{"method": info.FullMethod, "request_id": requestID, "panic": rec}).Error("handler panicked")
				resp, err = nil, status.Error(codes.Internal, fmt.Sprintf("internal error (request %s)", requestID))
			}
			entry := logger.WithFields(logrus.Fields{
				"method":     info.FullMethod,
				"request_id": requestID,
				"code":       status.Code(err).String(),
				"took":       time.Since(start),
			})
			if err != nil && status.Code(err) != codes.InvalidArgument {
				entry.WithError(err).Warn("rpc failed")
				return
			}
			entry.Debug("rpc served")
		}()
		return handler(ctx, req)
	}
}
