package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimatorCachesClientResult(t *testing.T) {
	fc := &fakeClient{v: 300}
	e := &Estimator{Client: fc, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.01, Lng: 0.01}

	assert.Equal(t, 300.0, e.Seconds(context.Background(), a, b))
	assert.Equal(t, 300.0, e.Seconds(context.Background(), a, b))
	assert.Equal(t, 1, fc.calls)
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 0.01}
	assert.InDelta(t, EstimateSeconds(a, b, 10), e.Seconds(context.Background(), a, b), 1e-9)
	assert.InDelta(t, 111.2, EstimateSeconds(a, b, 10), 1)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lng: 1}
	c.Set(a, a, 5)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(a, a)
	assert.False(t, ok)
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/36.821900,-1.292100;36.900000,-1.300000", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("overview"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":412.5}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: -1.2921, Lng: 36.8219}, models.Coord{Lat: -1.3, Lng: 36.9})
	require.NoError(t, err)
	assert.Equal(t, 412.5, got)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{})
	assert.Error(t, err)
}
