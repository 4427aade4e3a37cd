package stream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/cyclevc/internal/dataset"
	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/internal/stream"
)

// listSource serves fixed TrainExamples named after their index.
type listSource struct {
	n    int
	fail int // index that fails; -1 for none
}

func (s listSource) Len() int { return s.n }

func (s listSource) Get(_ context.Context, i int) (dataset.Example, error) {
	if i == s.fail {
		return nil, errors.New("missing feature record")
	}
	return &dataset.TrainExample{File: "utt" + string(rune('a'+i)), FrameLen: i}, nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func startServer(t *testing.T, splits map[string]dataset.Source) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	stream.New(splits, stream.WithWorkers(2), stream.WithMaxBatch(8), stream.WithMetrics(testMetrics(t))).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// wireMessage is the union of batch and done messages.
type wireMessage struct {
	Epoch    int   `json:"epoch"`
	Batch    int   `json:"batch"`
	Indices  []int `json:"indices"`
	Examples []struct {
		Mode    string `json:"mode"`
		Example struct {
			File     string `json:"file"`
			FrameLen int    `json:"frame_len"`
		} `json:"example"`
	} `json:"examples"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// readAll reads messages until the server closes the connection.
func readAll(t *testing.T, url string) ([]wireMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var msgs []wireMessage
	for {
		var m wireMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}

func TestStream_BatchesThenDone(t *testing.T) {
	t.Parallel()
	srv := startServer(t, map[string]dataset.Source{"train": listSource{n: 5, fail: -1}})

	msgs, err := readAll(t, wsURL(srv)+stream.Path+"?split=train&batch=2&epochs=2")
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want normal closure", status, err)
	}
	if len(msgs) != 7 {
		t.Fatalf("got %d messages, want 6 batches and done", len(msgs))
	}
	for k, m := range msgs[:6] {
		if m.Epoch != k/3 || m.Batch != k%3 {
			t.Errorf("message %d: epoch/batch = %d/%d, want %d/%d", k, m.Epoch, m.Batch, k/3, k%3)
		}
		if len(m.Examples) != len(m.Indices) {
			t.Errorf("message %d: %d examples for %d indices", k, len(m.Examples), len(m.Indices))
		}
		for j, ex := range m.Examples {
			if ex.Mode != string(dataset.ModeTrain) {
				t.Errorf("message %d example %d: mode = %q", k, j, ex.Mode)
			}
			if ex.Example.FrameLen != m.Indices[j] {
				t.Errorf("message %d example %d: frame_len = %d, want %d", k, j, ex.Example.FrameLen, m.Indices[j])
			}
		}
	}
	if last := msgs[6]; !last.Done || last.Error != "" {
		t.Errorf("last message = %+v, want done without error", last)
	}
}

func TestStream_DefaultsToOneEpochOfSingletons(t *testing.T) {
	t.Parallel()
	srv := startServer(t, map[string]dataset.Source{"eval": listSource{n: 3, fail: -1}})

	msgs, _ := readAll(t, wsURL(srv)+stream.Path+"?split=eval")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 3 batches and done", len(msgs))
	}
	for k, m := range msgs[:3] {
		if len(m.Examples) != 1 {
			t.Errorf("batch %d has %d examples, want 1", k, len(m.Examples))
		}
	}
}

func TestStream_FailedBatchReportsError(t *testing.T) {
	t.Parallel()
	srv := startServer(t, map[string]dataset.Source{"train": listSource{n: 4, fail: 3}})

	msgs, err := readAll(t, wsURL(srv)+stream.Path+"?split=train&batch=2")
	if status := websocket.CloseStatus(err); status != websocket.StatusInternalError {
		t.Fatalf("close status = %v (err %v), want internal error", status, err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 1 batch and done", len(msgs))
	}
	last := msgs[1]
	if !last.Done || !strings.Contains(last.Error, "missing feature record") {
		t.Errorf("last message = %+v, want done with error", last)
	}
}

func TestStream_RejectsBadRequests(t *testing.T) {
	t.Parallel()
	srv := startServer(t, map[string]dataset.Source{"train": listSource{n: 2, fail: -1}})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"unknown split", "?split=test", http.StatusNotFound},
		{"missing split", "", http.StatusNotFound},
		{"zero batch", "?split=train&batch=0", http.StatusBadRequest},
		{"batch over cap", "?split=train&batch=9", http.StatusBadRequest},
		{"non-numeric epochs", "?split=train&epochs=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Get(srv.URL + stream.Path + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
