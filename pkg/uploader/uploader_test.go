package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/locationcapture/pkg/location"
)

var testSamples = []location.Sample{
	{Timestamp: 1700000000, Latitude: 10.5, Longitude: 20.25, Accuracy: 3, Heading: 90, Speed: location.Unavailable},
	{Timestamp: 1700000060, Latitude: 10.6, Longitude: 20.35, Accuracy: 4, Heading: location.Unavailable, Speed: 1.5},
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- capturedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte("server says no\n"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestUploadJSON(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusOK)

	u, err := New(context.Background(), Config{
		URL:         srv.URL,
		ExtraParams: map[string]string{"device": "abc123"},
		Fields:      []string{"timestamp", "latitude", "longitude", "heading", "speed"},
	})
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), "batch-1", testSamples))

	req := <-reqs
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "batch-1", req.header.Get(BatchIDHeader))
	assert.Empty(t, req.header.Get("Authorization"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.body, &body))
	assert.Equal(t, "abc123", body["device"])

	locations, ok := body["locations"].([]any)
	require.True(t, ok)
	require.Len(t, locations, 2)

	first := locations[0].(map[string]any)
	assert.Equal(t, "2023-11-14T22:13:20Z", first["timestamp"])
	assert.Equal(t, 10.5, first["latitude"])
	assert.Equal(t, 20.25, first["longitude"])
	assert.Equal(t, float64(90), first["heading"])
	assert.Equal(t, float64(-1), first["speed"])
	assert.NotContains(t, first, "accuracy")
}

func TestUploadFormEncoded(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusCreated)

	u, err := New(context.Background(), Config{
		URL:            srv.URL,
		Format:         FormatFormURLEncoded,
		LocationsParam: "points",
		ExtraParams:    map[string]string{"user": "42"},
	})
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), "batch-2", testSamples))

	req := <-reqs
	assert.Equal(t, "application/x-www-form-urlencoded", req.header.Get("Content-Type"))

	form, err := url.ParseQuery(string(req.body))
	require.NoError(t, err)
	assert.Equal(t, "42", form.Get("user"))

	var points []map[string]any
	require.NoError(t, json.Unmarshal([]byte(form.Get("points")), &points))
	require.Len(t, points, 2)
	assert.Len(t, points[1], len(DefaultFields))
	assert.Equal(t, "2023-11-14T22:14:20Z", points[1]["timestamp"])
}

func TestUploadStatusError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusServiceUnavailable)

	u, err := New(context.Background(), Config{URL: srv.URL})
	require.NoError(t, err)

	err = u.Upload(context.Background(), "batch-3", testSamples)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "server says no", statusErr.Body)
	assert.Contains(t, err.Error(), "503")
}

func TestUploadEmptyBatchSendsNothing(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	u, err := New(context.Background(), Config{URL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), "empty", nil))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestUploadConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	u, err := New(context.Background(), Config{URL: addr, Timeout: time.Second})
	require.NoError(t, err)

	err = u.Upload(context.Background(), "batch-4", testSamples)
	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestUploadStaticToken(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusOK)

	u, err := New(context.Background(), Config{
		URL:  srv.URL,
		Auth: AuthConfig{Token: "s3cret"},
	})
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), "batch-5", testSamples))
	req := <-reqs
	assert.Equal(t, "Bearer s3cret", req.header.Get("Authorization"))
}

func TestUploadClientCredentials(t *testing.T) {
	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"minted","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	srv, reqs := newCaptureServer(t, http.StatusOK)

	u, err := New(context.Background(), Config{
		URL: srv.URL,
		Auth: AuthConfig{
			ClientID:     "device",
			ClientSecret: "secret",
			TokenURL:     tokenSrv.URL,
			Scopes:       []string{"locations:write"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), "b1", testSamples))
	require.NoError(t, u.Upload(context.Background(), "b2", testSamples))

	assert.Equal(t, "Bearer minted", (<-reqs).header.Get("Authorization"))
	assert.Equal(t, "Bearer minted", (<-reqs).header.Get("Authorization"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token is cached between uploads")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "defaults are valid",
			cfg:  Config{URL: "https://example.com/locations"},
		},
		{
			name:    "missing url",
			cfg:     Config{},
			wantErr: "invalid upload url",
		},
		{
			name:    "bad scheme",
			cfg:     Config{URL: "ftp://example.com"},
			wantErr: "invalid upload url scheme",
		},
		{
			name:    "bad format",
			cfg:     Config{URL: "https://example.com", Format: "XML"},
			wantErr: "invalid upload format",
		},
		{
			name:    "unknown field",
			cfg:     Config{URL: "https://example.com", Fields: []string{"altitude"}},
			wantErr: "unsupported upload field",
		},
		{
			name: "extra param clashes with locations param",
			cfg: Config{
				URL:         "https://example.com",
				ExtraParams: map[string]string{"locations": "x"},
			},
			wantErr: "must not contain locations_param",
		},
		{
			name: "client credentials without token url",
			cfg: Config{
				URL:  "https://example.com",
				Auth: AuthConfig{ClientID: "id", ClientSecret: "secret"},
			},
			wantErr: "token_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.SetDefaults()
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, "locations", cfg.LocationsParam)
	assert.Equal(t, DefaultFields, cfg.Fields)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}
