package otlpreceiver

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tinytelemetry/beacon/internal/model"
)

type recordingCollector struct {
	mu      sync.Mutex
	entries []*model.LogEntry
}

// CollectEntry drops DEBUG entries, like a collector with min-level INFO.
func (c *recordingCollector) CollectEntry(e *model.LogEntry) *model.LogEntry {
	if e.Level == model.LevelDebug {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return e
}

func str(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func newClient(t *testing.T, r *Receiver) collogspb.LogsServiceClient {
	t.Helper()
	server := grpc.NewServer()
	r.Register(server)

	lis := bufconn.Listen(1024 * 1024)
	go func() {
		if err := server.Serve(lis); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		server.Stop()
	})
	return collogspb.NewLogsServiceClient(conn)
}

func exportRequest(records ...*logspb.LogRecord) *collogspb.ExportLogsServiceRequest {
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				{Key: "service.name", Value: str("checkout")},
			}},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "app"},
				LogRecords: records,
			}},
		}},
	}
}

func TestExport_CollectsRecords(t *testing.T) {
	c := &recordingCollector{}
	client := newClient(t, New("", c, zaptest.NewLogger(t)))

	resp, err := client.Export(context.Background(), exportRequest(
		&logspb.LogRecord{TimeUnixNano: 1_780_000_000_000_000_000, SeverityText: "ERROR", Body: str("card declined")},
		&logspb.LogRecord{SeverityText: "INFO", Body: str("order placed")},
	))
	require.NoError(t, err)
	assert.Nil(t, resp.GetPartialSuccess())

	require.Len(t, c.entries, 2)
	assert.Equal(t, model.LevelError, c.entries[0].Level)
	assert.Equal(t, "card declined", c.entries[0].Message)
	assert.Equal(t, "checkout", c.entries[0].Service)
	assert.Equal(t, SourceName, c.entries[0].Source)
	assert.Equal(t, int64(1_780_000_000_000_000_000), c.entries[0].Timestamp.UnixNano())
}

func TestExport_ReportsFilteredRecords(t *testing.T) {
	c := &recordingCollector{}
	client := newClient(t, New("", c, zaptest.NewLogger(t)))

	resp, err := client.Export(context.Background(), exportRequest(
		&logspb.LogRecord{SeverityText: "DEBUG", Body: str("cache warm")},
		&logspb.LogRecord{SeverityText: "WARN", Body: str("retrying")},
	))
	require.NoError(t, err)
	require.NotNil(t, resp.GetPartialSuccess())
	assert.Equal(t, int64(1), resp.GetPartialSuccess().GetRejectedLogRecords())
	assert.Len(t, c.entries, 1)
}

func TestExport_NilRequest(t *testing.T) {
	r := New("", &recordingCollector{}, nil)
	_, err := r.Export(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServe_StopsWithContext(t *testing.T) {
	r := New("127.0.0.1:0", &recordingCollector{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
