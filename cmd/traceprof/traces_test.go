package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	pprof "github.com/google/pprof/profile"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/getsentry/traceprof/internal/debuginfo"
	"github.com/getsentry/traceprof/internal/profile"
	"github.com/getsentry/traceprof/internal/speedscope"
	"github.com/getsentry/traceprof/internal/symbolsource/symbolsourcetest"
	"github.com/getsentry/traceprof/internal/traceevent"
)

type KafkaWriterMock struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (k *KafkaWriterMock) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.messages = append(k.messages, msgs...)
	return nil
}

func (k *KafkaWriterMock) Close() error {
	return nil
}

func newTestEnvironment(t *testing.T) (*environment, *KafkaWriterMock) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	writer := &KafkaWriterMock{}
	symbols := &symbolsourcetest.Symbols{
		Functions: map[string][]debuginfo.FunctionDebugInfo{
			"app.exe": {
				{Name: "main", RVA: 0x200, Size: 0x100},
				{Name: "foo", RVA: 0x10, Size: 0x50},
			},
		},
	}
	return &environment{
		config: ServiceConfig{
			FunctionsKafkaTopic: "trace-functions",
			TopFunctions:        10,
			ProcessTimeout:      time.Minute,
		},
		finder:          symbols,
		providers:       symbols.Provider,
		functionsWriter: writer,
		storage:         bucket,
	}, writer
}

func traceBody(t *testing.T) []byte {
	t.Helper()
	header := func(ts time.Duration) traceevent.Header {
		return traceevent.Header{Timestamp: ts, ProcessID: 42, ThreadID: 7}
	}
	events := []traceevent.Event{
		&traceevent.ProcessStart{Header: header(0), Name: "app.exe"},
		&traceevent.ImageLoad{Header: header(0), FileName: `C:\app\app.exe`, BaseAddress: 0x1000, Size: 0x1000},
		&traceevent.SamplingInterval{Header: header(0), NewInterval: 10000},
	}
	for i := 1; i <= 3; i++ {
		ts := time.Duration(i) * time.Millisecond
		events = append(events,
			&traceevent.Sample{Header: header(ts), IP: 0x1010},
			&traceevent.StackWalk{Header: header(ts), Frames: []uint64{0x1010, 0x1210}},
		)
	}
	var buf bytes.Buffer
	w := traceevent.NewWriter(&buf)
	for _, e := range events {
		require.NoError(t, w.Write(e))
	}
	return buf.Bytes()
}

func TestPostTraceAndReadProfile(t *testing.T) {
	env, writer := newTestEnvironment(t)
	router, err := env.newRouter()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/traces?pid=42", bytes.NewReader(traceBody(t))))
	require.Equal(t, http.StatusCreated, w.Code)

	var posted profile.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &posted))
	require.NotEmpty(t, posted.ProfileID)
	require.Equal(t, 3, posted.SampleCount)
	require.Equal(t, 3*time.Millisecond, posted.TotalWeight)
	require.Equal(t, "/profiles/"+posted.ProfileID, w.Header().Get("Location"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiles/"+posted.ProfileID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stored profile.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	require.Equal(t, posted.ProfileID, stored.ProfileID)
	require.Len(t, stored.CallTree, 1)
	require.Equal(t, "main", stored.CallTree[0].Name)
	require.Equal(t, "foo", stored.CallTree[0].Children[0].Name)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiles/"+posted.ProfileID+"/pprof", nil))
	require.Equal(t, http.StatusOK, w.Code)
	parsed, err := pprof.Parse(w.Body)
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 3)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/profiles/"+posted.ProfileID+"/speedscope", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var o speedscope.Output
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	require.Len(t, o.Shared.Frames, 2)

	require.Len(t, writer.messages, 1)
	require.Equal(t, "trace-functions", writer.messages[0].Topic)
	var m FunctionsKafkaMessage
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &m))
	require.Equal(t, posted.ProfileID, m.ProfileID)
	require.Len(t, m.Functions, 1)
	require.Equal(t, "foo", m.Functions[0].Name)
}

func TestGetProfileNotFound(t *testing.T) {
	env, _ := newTestEnvironment(t)
	router, err := env.newRouter()
	require.NoError(t, err)

	for _, path := range []string{"/profiles/missing", "/profiles/missing/pprof", "/profiles/missing/speedscope"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestPostTraceInvalidPid(t *testing.T) {
	env, _ := newTestEnvironment(t)
	router, err := env.newRouter()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/traces?pid=abc", bytes.NewReader(traceBody(t))))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	env, _ := newTestEnvironment(t)
	router, err := env.newRouter()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
}
