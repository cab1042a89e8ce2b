package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/idempotency"
	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/uer"
)

func sampleUERJSON(ts time.Time) string {
	body := map[string]interface{}{
		"uid": "fixed-uid-1",
		"ts":  ts.UTC().Format(time.RFC3339),
		"src": map[string]string{"ip": "10.0.0.1"},
		"dst": map[string]string{"ip": "10.0.0.2"},
		"proto": map[string]string{
			"l7": "MQTT",
		},
		"stats":    map[string]float64{},
		"detector": map[string]float64{"score": 0.9, "conf": 0.8},
		"entities": []string{},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func newTestIngress() *Ingress {
	return New(idempotency.NewMemCache(), stream.NewMemStream())
}

func postUER(ing *Ingress, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ing.HandleUER(rec, req)
	return rec
}

func defaultHeaders() map[string]string {
	return map[string]string{"X-Tenant-ID": "tenant-a", "X-Agent-ID": "agent-1"}
}

func TestHandleUERHappyPath(t *testing.T) {
	ing := newTestIngress()
	rec := postUER(ing, sampleUERJSON(time.Now()), defaultHeaders())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ingested", resp.Status)
}

func TestHandleUERDuplicateDoesNotRepublish(t *testing.T) {
	ing := newTestIngress()
	body := sampleUERJSON(time.Now())

	first := postUER(ing, body, defaultHeaders())
	require.Equal(t, http.StatusOK, first.Code)

	second := postUER(ing, body, defaultHeaders())
	require.Equal(t, http.StatusOK, second.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp.Status)
}

func TestHandleUERMissingHeadersRejected(t *testing.T) {
	ing := newTestIngress()
	rec := postUER(ing, sampleUERJSON(time.Now()), map[string]string{"X-Tenant-ID": "tenant-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUERLateEventFlagged(t *testing.T) {
	ing := newTestIngress()

	var captured uer.UER
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := ing.publisher.(*stream.MemStream)
	go mem.Subscribe(ctx, "uer.ingest.tenant-a", func(_ string, payload []byte) {
		_ = json.Unmarshal(payload, &captured)
		cancel()
	})

	rec := postUER(ing, sampleUERJSON(time.Now().Add(-48*time.Hour)), defaultHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	<-ctx.Done()
	assert.True(t, captured.Late)
}

func TestHandleUERValidationRejectsMissingFields(t *testing.T) {
	ing := newTestIngress()
	body := `{"ts":"2026-01-01T00:00:00Z","detector":{"score":0.5,"conf":0.5}}`
	rec := postUER(ing, body, defaultHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUERValidationRejectsMissingDetectorScore(t *testing.T) {
	ing := newTestIngress()
	body := `{"ts":"2026-01-01T00:00:00Z","src":{"ip":"1.1.1.1"},"dst":{"ip":"2.2.2.2"},"proto":{"l7":"HTTP"},"detector":{"conf":0.5}}`
	rec := postUER(ing, body, defaultHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Missing detector.score", resp.Error)
}

func TestHandleBulkUERPerLineErrors(t *testing.T) {
	ing := newTestIngress()

	good1 := `{"uid":"u1","ts":"2026-01-01T00:00:00Z","src":{"ip":"1.1.1.1"},"dst":{"ip":"2.2.2.2"},"proto":{"l7":"HTTP"},"detector":{"score":0.5,"conf":0.5}}`
	bad := `not json`
	missingScore := `{"uid":"u3","ts":"2026-01-01T00:00:00Z","src":{"ip":"1.1.1.1"},"dst":{"ip":"2.2.2.2"},"proto":{"l7":"HTTP"},"detector":{"conf":0.5}}`
	good2 := `{"uid":"u2","ts":"2026-01-01T00:00:00Z","src":{"ip":"1.1.1.1"},"dst":{"ip":"2.2.2.2"},"proto":{"l7":"HTTP"},"detector":{"score":0.6,"conf":0.6}}`

	body := strings.Join([]string{good1, bad, missingScore, good2}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer/_bulk", strings.NewReader(body))
	for k, v := range defaultHeaders() {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ing.HandleBulkUER(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp bulkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Ingested)
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, 1, resp.Errors[0].Line)
	assert.Equal(t, 2, resp.Errors[1].Line)
	assert.Equal(t, "Missing detector.score", resp.Errors[1].Error)
}
