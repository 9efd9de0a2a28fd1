package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"go.uber.org/zap"
)

const defaultCallbackTimeout = 10 * time.Second

// Export is the JSON document handed to callbacks.
type Export struct {
	RoomName  string          `json:"roomName"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  ExportMetadata  `json:"metadata"`
}

type ExportMetadata struct {
	HasContent bool `json:"hasContent"`
	DataSize   int  `json:"dataSize"`
}

// Callback receives document exports.
type Callback interface {
	Deliver(ctx context.Context, export Export) error
}

// BuildExport renders the document as an Export.
func BuildExport(room string, doc *crdt.Document, now time.Time) (Export, error) {
	data, err := doc.ToJSON()
	if err != nil {
		return Export{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Export{}, fmt.Errorf("decode exported document: %w", err)
	}
	return Export{
		RoomName:  room,
		Timestamp: now.UTC(),
		Data:      data,
		Metadata: ExportMetadata{
			HasContent: len(fields) > 0,
			DataSize:   len(data),
		},
	}, nil
}

// HTTPCallback posts exports as JSON.
type HTTPCallback struct {
	url    string
	client *http.Client
}

func NewHTTPCallback(url string, client *http.Client) *HTTPCallback {
	if client == nil {
		client = &http.Client{Timeout: defaultCallbackTimeout}
	}
	return &HTTPCallback{url: url, client: client}
}

func (c *HTTPCallback) Deliver(ctx context.Context, export Export) error {
	body, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("callback responded with status %d", response.StatusCode)
	}
	return nil
}

// LogCallback writes exports to the log.
type LogCallback struct {
	logger *zap.Logger
}

func NewLogCallback(logger *zap.Logger) *LogCallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogCallback{logger: logger}
}

func (c *LogCallback) Deliver(_ context.Context, export Export) error {
	c.logger.Info("document export",
		zap.String("room", export.RoomName),
		zap.Time("timestamp", export.Timestamp),
		zap.Bool("has_content", export.Metadata.HasContent),
		zap.Int("data_size", export.Metadata.DataSize),
		zap.ByteString("data", export.Data))
	return nil
}

func (w *Worker) deliver(ctx context.Context, room string, doc *crdt.Document) {
	export, err := BuildExport(room, doc, w.clock())
	if err != nil {
		w.logger.Warn("failed to export document", zap.String("room", room), zap.Error(err))
		return
	}
	if err := w.callback.Deliver(ctx, export); err != nil {
		w.logger.Warn("document callback failed", zap.String("room", room), zap.Error(err))
	}
}

// ExportBound delivers an export for every room bound in this process.
func (w *Worker) ExportBound(ctx context.Context) int {
	if w.callback == nil {
		return 0
	}
	delivered := 0
	for _, instances := range w.router.All() {
		for _, room := range instances.Cache.BoundRooms() {
			binding, ok := instances.Cache.Lookup(room)
			if !ok {
				continue
			}
			w.deliver(ctx, room, binding.Document())
			delivered++
		}
	}
	return delivered
}
