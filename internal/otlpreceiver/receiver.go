// Package otlpreceiver accepts OTLP log exports over gRPC.
package otlpreceiver

import (
	"context"
	"errors"
	"fmt"
	"net"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/beacon/internal/ingest"
	"github.com/tinytelemetry/beacon/internal/model"
)

// DefaultAddr is the standard OTLP/gRPC port.
const DefaultAddr = "0.0.0.0:4317"

// SourceName tags entries received over OTLP.
const SourceName = "otlp"

// EntryCollector receives converted entries. It returns nil for entries it
// filtered out.
type EntryCollector interface {
	CollectEntry(partial *model.LogEntry) *model.LogEntry
}

// Receiver implements the OTLP LogsService.
type Receiver struct {
	collogspb.UnimplementedLogsServiceServer

	addr      string
	collector EntryCollector
	logger    *zap.Logger
}

// New creates a receiver listening on addr once Serve is called.
func New(addr string, collector EntryCollector, logger *zap.Logger) *Receiver {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{addr: addr, collector: collector, logger: logger}
}

// Export converts every log record and hands it to the collector. Filtered
// records are reported as a partial success.
func (r *Receiver) Export(_ context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "empty export request")
	}
	entries := ingest.EntriesFromRequest(req)
	var rejected int64
	for _, e := range entries {
		if e.Source == "" {
			e.Source = SourceName
		}
		if r.collector.CollectEntry(e) == nil {
			rejected++
		}
	}
	r.logger.Debug("otlp export", zap.Int("records", len(entries)), zap.Int64("rejected", rejected))

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: rejected,
			ErrorMessage:       fmt.Sprintf("%d records filtered by level or service", rejected),
		}
	}
	return resp, nil
}

// Register installs the receiver on an existing gRPC server.
func (r *Receiver) Register(s *grpc.Server) {
	collogspb.RegisterLogsServiceServer(s, r)
}

// Serve listens on the configured address until ctx is done.
func (r *Receiver) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("otlp receiver: listen %s: %w", r.addr, err)
	}
	server := grpc.NewServer()
	r.Register(server)

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	r.logger.Info("otlp receiver listening", zap.String("addr", lis.Addr().String()))
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("otlp receiver: %w", err)
	}
	return nil
}
