package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/buffer"
	"github.com/ocx/sentinel/internal/connector"
	"github.com/ocx/sentinel/internal/uer"
)

// fakeAgent emits a fixed sequence of inputs then blocks until ctx is
// cancelled, mirroring a live packet source that goes quiet.
type fakeAgent struct {
	tag    string
	inputs []uer.Input
	idx    int32
}

func (f *fakeAgent) Tag() string { return f.tag }

func (f *fakeAgent) Collect(ctx context.Context) (*uer.Input, error) {
	i := atomic.AddInt32(&f.idx, 1) - 1
	if int(i) < len(f.inputs) {
		in := f.inputs[i]
		return &in, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestConnector(t *testing.T, handler http.HandlerFunc) (*connector.Connector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	conn, err := connector.New(connector.Config{MSSPURL: srv.URL, AgentID: "agent-1", TenantID: "tenant-a"}, buffer.NewMemStore())
	require.NoError(t, err)
	return conn, srv
}

func TestSupervisorSendsAboveThresholdOnly(t *testing.T) {
	var received int32
	conn, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusAccepted)
	})
	defer srv.Close()

	agent := &fakeAgent{
		tag: "MQTT",
		inputs: []uer.Input{
			{ProtocolTag: "MQTT", Detector: uer.RawDetectorOutput{Score: 0.9, Conf: 0.9}},
			{ProtocolTag: "MQTT", Detector: uer.RawDetectorOutput{Score: 0.1, Conf: 0.9}},
		},
	}

	sup := New([]Agent{agent}, uer.NewNormalizer(nil), conn, nil, 0.5)
	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx, "")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&received))

	cancel()
	sup.Stop()
}

func TestSupervisorStopExitsPromptly(t *testing.T) {
	conn, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	defer srv.Close()

	agent := &fakeAgent{tag: "HTTP"}
	sup := New([]Agent{agent}, uer.NewNormalizer(nil), conn, nil, 0.5)
	sup.Start(context.Background(), "")

	start := time.Now()
	sup.Stop()
	assert.Less(t, time.Since(start), shutdownGrace+time.Second)
}

func TestHealthAndConfigEndpoints(t *testing.T) {
	conn, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	defer srv.Close()

	agent := &fakeAgent{tag: "COAP"}
	sup := New([]Agent{agent}, uer.NewNormalizer(nil), conn, nil, 0.65)

	healthRec := httptest.NewRecorder()
	sup.handleHealth(healthRec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, healthRec.Code)

	configRec := httptest.NewRecorder()
	sup.handleConfig(configRec, httptest.NewRequest(http.MethodGet, "/config", nil))
	assert.Equal(t, http.StatusOK, configRec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(configRec.Body.Bytes(), &body))
	assert.InDelta(t, 0.65, body["default_threshold"], 1e-9)
}
