package trace

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ExternalCalls(t *testing.T) {
	r := NewRecorder("places")
	r.Record("places", "search", 30*time.Millisecond, false, false)
	r.Record("places", "search", 0, true, false)
	r.Record("places", "search", 45*time.Millisecond, false, true)

	assert.Equal(t, "places", r.Stage())
	assert.Equal(t, 2, r.ExternalCalls())
}

func TestJobTrace_MergeAcrossStages(t *testing.T) {
	jt := NewJobTrace()

	r1 := NewRecorder("commute")
	r1.Record("routing", "matrix", 100*time.Millisecond, false, false)
	r1.Record("routing", "matrix", 80*time.Millisecond, false, false)
	r1.Record("geocode", "lookup", 0, true, false)

	r2 := NewRecorder("transit")
	r2.Record("routing", "matrix", 0, true, false)
	r2.Record("transitland", "stops", 60*time.Millisecond, false, true)

	jt.Merge(r1)
	jt.Merge(r2)

	services := jt.Services()
	require.Len(t, services, 3)

	// Sorted by name: geocode, routing, transitland.
	assert.Equal(t, "geocode", services[0].Service)
	assert.Equal(t, 0, services[0].Calls)
	assert.Equal(t, 1, services[0].CacheHits)

	assert.Equal(t, "routing", services[1].Service)
	assert.Equal(t, 2, services[1].Calls)
	assert.Equal(t, 1, services[1].CacheHits)
	assert.Equal(t, int64(180), services[1].TotalMS)

	assert.Equal(t, "transitland", services[2].Service)
	assert.Equal(t, 1, services[2].Calls)
	assert.Equal(t, 1, services[2].Errors)
}

func TestJobTrace_ConcurrentMerge(t *testing.T) {
	jt := NewJobTrace()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := NewRecorder("stage")
			for range 50 {
				r.Record("overpass", "query", time.Millisecond, false, false)
			}
			jt.Merge(r)
		}()
	}
	wg.Wait()

	services := jt.Services()
	require.Len(t, services, 1)
	assert.Equal(t, 400, services[0].Calls)
}
