package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"cubesat-fsw/internal/telemetry"
)

// greptimeClient is the subset of the ingester client used by the writer.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// DefaultGreptimeTimeout bounds a single GreptimeDB write.
const DefaultGreptimeTimeout = 5 * time.Second

// GreptimeWriter mirrors frames into a GreptimeDB table, one row per frame.
// The table is created by the server on first write.
type GreptimeWriter struct {
	client  greptimeClient
	table   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGreptimeWriter connects to endpoint ("host:port") and writes into
// database. Each write is abandoned after timeout; zero uses DefaultGreptimeTimeout.
func NewGreptimeWriter(endpoint, database string, timeout time.Duration, logger *slog.Logger) (*GreptimeWriter, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("greptime endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("greptime port %q: %w", portStr, err)
	}
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultGreptimeTimeout
	}
	return &GreptimeWriter{client: client, table: telemetry.Frame{}.TableName(), timeout: timeout, logger: logger}, nil
}

func (w *GreptimeWriter) Write(f telemetry.Frame) error {
	return w.WriteBatch([]telemetry.Frame{f})
}

// WriteBatch inserts frames in a single request.
func (w *GreptimeWriter) WriteBatch(frames []telemetry.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	tbl, err := w.frameTable(frames)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if _, err := w.client.Write(ctx, tbl); err != nil {
		w.logger.Warn("greptime write failed", "rows", len(frames), "error", err)
		return err
	}
	w.logger.Debug("greptime write", "rows", len(frames))
	return nil
}

func (w *GreptimeWriter) frameTable(frames []telemetry.Frame) (*table.Table, error) {
	tbl, err := table.New(w.table)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		name string
		tag  bool
		typ  types.ColumnType
	}{
		{"boot", true, types.STRING},
		{"source", true, types.STRING},
		{"channel", true, types.STRING},
		{"seq", false, types.UINT64},
		{"schema", false, types.INT64},
		{"payload", false, types.STRING},
	} {
		if col.tag {
			err = tbl.AddTagColumn(col.name, col.typ)
		} else {
			err = tbl.AddFieldColumn(col.name, col.typ)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	for _, f := range frames {
		payload, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("frame %d payload: %w", f.Seq, err)
		}
		if err := tbl.AddRow(f.Boot, f.Source, f.Channel, f.Seq, int64(f.SchemaVersion), string(payload), f.Timestamp); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}
