package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/uer"
)

func floatptr(v float64) *float64 { return &v }

func sampleUER(model string) *uer.UER {
	return &uer.UER{
		UID:      "uid-" + model,
		TS:       time.Now().UTC(),
		Src:      uer.Endpoint{IP: "10.0.0.1"},
		Dst:      uer.Endpoint{IP: "10.0.0.2"},
		Proto:    uer.Proto{L7: "MQTT"},
		Stats:    map[string]float64{"len_mean": 100},
		Detector: uer.Detector{Score: floatptr(0.8), Conf: floatptr(0.9), Model: model},
	}
}

func TestMemStoreFIFOOrdering(t *testing.T) {
	s := NewMemStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(sampleUER(string(rune('a'+i)))))
	}

	batch, err := s.DequeueBatch(3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "uid-a", batch[0].UID)
	assert.Equal(t, "uid-b", batch[1].UID)
	assert.Equal(t, "uid-c", batch[2].UID)

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestMemStoreDequeueEmptyReturnsNothing(t *testing.T) {
	s := NewMemStore()
	batch, err := s.DequeueBatch(10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMemStoreNeverInBothQueueAndDLQ(t *testing.T) {
	s := NewMemStore()
	u := sampleUER("x")
	require.NoError(t, s.Enqueue(u))

	batch, err := s.DequeueBatch(1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, s.DeadLetter(batch[0], "HTTP 422: bad schema"))

	qSize, _ := s.Size()
	dSize, _ := s.DLQSize()
	assert.Equal(t, 0, qSize)
	assert.Equal(t, 1, dSize)
}

func TestMemStoreConcurrentEnqueue(t *testing.T) {
	s := NewMemStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Enqueue(sampleUER("w"))
		}(i)
	}
	wg.Wait()

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, 50, size)
}

func TestMemStoreClearDLQ(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.DeadLetter(sampleUER("a"), "permanent"))
	require.NoError(t, s.ClearDLQ())
	size, _ := s.DLQSize()
	assert.Equal(t, 0, size)
}
