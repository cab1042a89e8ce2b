package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/buffer"
	"github.com/ocx/sentinel/internal/uer"
)

func floatptr(v float64) *float64 { return &v }

func sampleUER() *uer.UER {
	return &uer.UER{
		UID:      "uid-1",
		TS:       time.Now().UTC(),
		Src:      uer.Endpoint{IP: "10.0.0.1"},
		Dst:      uer.Endpoint{IP: "10.0.0.2"},
		Proto:    uer.Proto{L7: "MQTT"},
		Stats:    map[string]float64{"len_mean": 100},
		Detector: uer.Detector{Score: floatptr(0.8), Conf: floatptr(0.9), Model: "x"},
	}
}

func testConfig(url string) Config {
	return Config{
		MSSPURL:     url,
		FALEndpoint: "/api/fal/uer",
		Token:       "tok",
		AgentID:     "agent-1",
		TenantID:    "tenant-a",
		TimeoutSec:  2,
		FlushBatch:  100,
		Retry: RetryPolicy{
			BackoffMS:  []int{1, 1, 1},
			MaxRetries: 3,
		},
	}
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "tenant-a", r.Header.Get("X-Tenant-ID"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := buffer.NewMemStore()
	c, err := New(testConfig(srv.URL), store)
	require.NoError(t, err)

	err = c.Send(context.Background(), sampleUER())
	require.NoError(t, err)

	size, _ := store.Size()
	assert.Equal(t, 0, size)
}

func TestSendPermanentRejectionDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("bad schema"))
	}))
	defer srv.Close()

	store := buffer.NewMemStore()
	c, err := New(testConfig(srv.URL), store)
	require.NoError(t, err)

	err = c.Send(context.Background(), sampleUER())
	require.NoError(t, err)

	dlqSize, _ := store.DLQSize()
	assert.Equal(t, 1, dlqSize)
	qSize, _ := store.Size()
	assert.Equal(t, 0, qSize)
}

func TestSendRetriesThenBuffers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := buffer.NewMemStore()
	c, err := New(testConfig(srv.URL), store)
	require.NoError(t, err)

	err = c.Send(context.Background(), sampleUER())
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	size, _ := store.Size()
	assert.Equal(t, 1, size)
}

func TestFlushBufferIsolatesPermanentFailurePerRecord(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-Agent-ID")
		seen = append(seen, uid)
		if len(seen) == 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := buffer.NewMemStore()
	cfg := testConfig(srv.URL)
	cfg.AgentID = "agent-1"
	c, err := New(cfg, store)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		u := sampleUER()
		u.UID = u.UID + string(rune('a'+i))
		require.NoError(t, store.Enqueue(u))
	}

	sent, err := c.FlushBuffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	dlqSize, _ := store.DLQSize()
	assert.Equal(t, 1, dlqSize)
}
