package earthcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
)

func testAOI() pipeline.AOI {
	return pipeline.AOI{
		Feature: pipeline.Feature{Name: "Block A"},
		BBox:    pipeline.BBox{MinLon: -120.5, MinLat: 46.6, MaxLon: -120.48, MaxLat: 46.62},
	}
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: baseURL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Options{}); !pipeline.IsValidation(err) {
		t.Errorf("missing API key not a validation error: %v", err)
	}
}

func TestSearchSendsKeyAndSorts(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"id": "b", "source": "sat-x", "cloud_cover_percentage": 12.0, "resolution": 0.5},
				map[string]any{"id": "a", "source": "sat-x", "cloud_cover_percentage": 3.0, "resolution": 0.5},
			},
		})
	}))
	defer srv.Close()

	scenes, err := newClient(t, srv.URL).Search(context.Background(), testAOI(),
		pipeline.SceneFilters{MaxCloudCoverPct: 15})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header %q", gotKey)
	}
	if len(scenes) != 2 || scenes[0].ID != "a" {
		t.Errorf("scenes not sorted best-first: %+v", scenes)
	}
	if scenes[0].Provider != ProviderName {
		t.Errorf("provider %q", scenes[0].Provider)
	}
}

func TestOrderLifecycle(t *testing.T) {
	pollCount := 0
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		var req orderRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.SearchResultID != "scene-1" {
			t.Errorf("ordered scene %q", req.SearchResultID)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "order-9", "status": "created"},
		})
	})
	mux.HandleFunc("/orders/order-9", func(w http.ResponseWriter, r *http.Request) {
		pollCount++
		var data map[string]any
		switch pollCount {
		case 1:
			data = map[string]any{"id": "order-9", "status": "pending"}
		case 2:
			data = map[string]any{"id": "order-9", "status": "processing"}
		default:
			data = map[string]any{
				"id": "order-9", "status": "complete",
				"deliveries": []any{map[string]any{"download_url": srv.URL + "/delivery.tif"}},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	mux.HandleFunc("/delivery.tif", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "delivered bytes")
	})

	c := newClient(t, srv.URL)
	ctx := context.Background()

	order, err := c.Order(ctx, pipeline.Scene{ID: "scene-1", Provider: ProviderName})
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if order.ID != "order-9" {
		t.Errorf("order id %q", order.ID)
	}

	states := []pipeline.OrderState{}
	var final pipeline.OrderPoll
	for i := 0; i < 3; i++ {
		poll, err := c.Poll(ctx, order)
		if err != nil {
			t.Fatalf("Poll %d failed: %v", i, err)
		}
		states = append(states, poll.State)
		final = poll
	}
	want := []pipeline.OrderState{pipeline.OrderStatePending, pipeline.OrderStateProcessing, pipeline.OrderStateReady}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("poll %d state %s, want %s", i, states[i], want[i])
		}
	}

	rc, err := c.Download(ctx, order, final)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "delivered bytes" {
		t.Errorf("downloaded %q", data)
	}
}

func TestPollFailedOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "order-9", "status": "failed", "message": "capture window missed"},
		})
	}))
	defer srv.Close()

	poll, err := newClient(t, srv.URL).Poll(context.Background(), pipeline.ImageryOrder{ID: "order-9"})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if poll.State != pipeline.OrderStateFailed {
		t.Errorf("state %s, want failed", poll.State)
	}
	if poll.Message != "capture window missed" {
		t.Errorf("message %q", poll.Message)
	}
}

func TestPollUnknownStatusIsContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "order-9", "status": "teleported"},
		})
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Poll(context.Background(), pipeline.ImageryOrder{ID: "order-9"})
	if !pipeline.IsContract(err) {
		t.Errorf("unknown status not a contract error: %v", err)
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Search(context.Background(), testAOI(), pipeline.SceneFilters{})
	if !pipeline.IsTransient(err) || !pipeline.IsRetryable(err) {
		t.Errorf("429 not retryable transient: %v", err)
	}
}

func TestCompleteOrderWithoutDeliveryIsContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "order-9", "status": "complete"},
		})
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Poll(context.Background(), pipeline.ImageryOrder{ID: "order-9"})
	if !pipeline.IsContract(err) {
		t.Errorf("missing delivery url not a contract error: %v", err)
	}
}
