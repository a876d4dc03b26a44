package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/config"
)

func newInferenceServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/predict/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file.Close()

		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"x1": 1, "y1": 2, "x2": 20, "y2": 30, "class": "person", "confidence": 0.4},
				{"x1": 5, "y1": 5, "x2": 15, "y2": 15, "class": "person", "confidence": 0.9},
				{"x1": 0, "y1": 0, "x2": 3, "y2": 3, "class": "cat", "confidence": 0.1},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func remoteConfig(url string) *config.DetectorConfig {
	return &config.DetectorConfig{
		Backend:       "remote",
		RemoteURL:     url + "/predict",
		Confidence:    0.25,
		IoU:           0.45,
		MaxDetections: 10,
		Timeout:       5 * time.Second,
	}
}

func TestRemoteDetector(t *testing.T) {
	srv := newInferenceServer(t, true)

	factory, err := NewDetectorFactory(remoteConfig(srv.URL), nil)
	require.NoError(t, err)
	det, err := factory()
	require.NoError(t, err)
	defer det.Close()

	img := gocv.NewMatWithSize(40, 40, gocv.MatTypeCV8UC3)
	defer img.Close()

	dets, err := det.Detect(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 0.9, dets[0].Confidence)
	assert.Equal(t, 0.4, dets[1].Confidence)
	assert.Equal(t, 20, dets[1].Box.X2)
}

func TestRemoteDetectorUnhealthy(t *testing.T) {
	srv := newInferenceServer(t, false)

	factory, err := NewDetectorFactory(remoteConfig(srv.URL), nil)
	require.NoError(t, err)
	_, err = factory()
	assert.Error(t, err)
}

func TestDetectorFactoryUnknownBackend(t *testing.T) {
	_, err := NewDetectorFactory(&config.DetectorConfig{Backend: "magic"}, nil)
	assert.Error(t, err)
}
