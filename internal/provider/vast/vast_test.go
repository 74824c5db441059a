package vast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/model"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(&config.VastConfig{
		API_URL:          srv.URL,
		API_KEY:          "secret",
		TIMEOUT_SECONDS:  2,
		MAX_READ_RETRIES: 2,
		ONSTART:          "cd /workspace && ./startup.sh",
	})
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestSearchOffers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bundles", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "gpu_name=RTX 4090 gpu_ram>=24 dph<=0.5", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"offers":[
			{"id":1,"gpu_name":"RTX 4090","num_gpus":1,"gpu_ram":24576,"dph_total":0.45,"geolocation":"US"},
			{"id":0,"gpu_name":"broken"},
			{"id":2,"gpu_name":"RTX 4090","num_gpus":2,"gpu_ram":24576,"dph_total":0.40}
		]}`))
	})

	offers, err := c.SearchOffers(context.Background(), model.OfferQuery{GPUKind: "RTX 4090", MinGPURAMGB: 24, MaxPricePerHour: 0.5})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	require.Equal(t, "1", offers[0].ID)
	require.Equal(t, 24.0, offers[0].GPURAMGB)
	require.Equal(t, "US", offers[0].Location)
	require.Equal(t, 0.40, offers[1].PricePerHour)
}

func TestSearchOffers_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"offers":[]}`))
	})

	offers, err := c.SearchOffers(context.Background(), model.OfferQuery{})
	require.NoError(t, err)
	require.Empty(t, offers)
}

func TestList_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"instances":[
			{"id":7,"gpu_name":"RTX 4090","num_gpus":1,"dph_total":0.4,"actual_status":"running","ssh_host":"ssh5.vast.ai","ssh_port":2222},
			{"id":8,"actual_status":"loading"},
			{"id":9,"actual_status":"running"},
			{"id":10,"actual_status":null},
			{"id":11,"actual_status":"exited"}
		]}`))
	})

	instances, err := c.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, instances, 5)

	require.Equal(t, model.InstanceRunning, instances[0].State)
	require.Equal(t, &model.Connection{Host: "ssh5.vast.ai", Port: 2222}, instances[0].Connection)
	require.Equal(t, model.InstanceStarting, instances[1].State)
	require.Equal(t, model.InstanceStarting, instances[2].State)
	require.Nil(t, instances[2].Connection)
	require.Equal(t, model.InstanceRequested, instances[3].State)
	require.Equal(t, model.InstanceTerminated, instances[4].State)
}

func TestList_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    errdefs.Kind
	}{
		{
			name: "server errors exhaust retries",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			kind: errdefs.KindProviderUnavailable,
		},
		{
			name: "malformed payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"instances":"nope"}`))
			},
			kind: errdefs.KindProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.List(context.Background())
			require.Equal(t, tt.kind, errdefs.KindOf(err))
		})
	}
}

func TestGet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instances":[{"id":7,"actual_status":"loading"}]}`))
	})

	inst, err := c.Get(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, model.InstanceStarting, inst.State)

	_, err = c.Get(context.Background(), "8")
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/asks/42/", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "me", body["client_id"])
		require.Equal(t, "trainer:latest", body["image"])
		require.Equal(t, float64(50), body["disk"])
		require.Equal(t, "cd /workspace && ./startup.sh", body["onstart"])

		_, _ = w.Write([]byte(`{"success":true,"new_contract":1234}`))
	})

	inst, err := c.Rent(context.Background(), model.RentRequest{OfferID: "42", Image: "trainer:latest", DiskGB: 50})
	require.NoError(t, err)
	require.Equal(t, "1234", inst.ID)
	require.Equal(t, model.InstanceRequested, inst.State)
	require.Equal(t, int32(1), calls.Load())
}

func TestRent_NotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Rent(context.Background(), model.RentRequest{OfferID: "42", Image: "img", DiskGB: 10})
	require.Equal(t, errdefs.KindProviderUnavailable, errdefs.KindOf(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestRent_InvalidArgument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called")
	})

	_, err := c.Rent(context.Background(), model.RentRequest{OfferID: "42", DiskGB: 10})
	require.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestTerminate(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"already gone", http.StatusNotFound, false},
		{"provider down", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodDelete, r.Method)
				require.Equal(t, "/instances/7/", r.URL.Path)
				w.WriteHeader(tt.status)
			})
			err := c.Terminate(context.Background(), "7")
			if tt.wantErr {
				require.True(t, errdefs.Retryable(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}
