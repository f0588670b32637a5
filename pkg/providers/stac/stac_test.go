package stac

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
)

func testAOI() pipeline.AOI {
	return pipeline.AOI{
		Feature: pipeline.Feature{Name: "Block A"},
		BBox:    pipeline.BBox{MinLon: -120.5, MinLat: 46.6, MaxLon: -120.48, MaxLat: 46.62},
	}
}

func itemJSON(id string, cloud float64) map[string]any {
	return map[string]any{
		"id":         id,
		"collection": "sentinel-2-l2a",
		"properties": map[string]any{
			"datetime":       "2026-02-10T18:30:00Z",
			"eo:cloud_cover": cloud,
			"gsd":            10.0,
		},
		"assets": map[string]any{
			"visual": map[string]any{"href": "https://assets.example/" + id + ".tif", "type": "image/tiff"},
		},
	}
}

func TestSearchSortsByCloudCover(t *testing.T) {
	var captured searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"features": []any{
				itemJSON("cloudy", 18.5),
				itemJSON("clear", 1.2),
				itemJSON("hazy", 9.0),
			},
		})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	scenes, err := c.Search(context.Background(), testAOI(), pipeline.SceneFilters{MaxCloudCoverPct: 20})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(scenes))
	}
	if scenes[0].ID != "clear" || scenes[1].ID != "hazy" || scenes[2].ID != "cloudy" {
		t.Errorf("scenes not sorted by cloud cover: %s %s %s", scenes[0].ID, scenes[1].ID, scenes[2].ID)
	}
	if scenes[0].AssetURL == "" {
		t.Error("asset URL not extracted")
	}

	if len(captured.BBox) != 4 || captured.BBox[0] != -120.5 {
		t.Errorf("bbox not forwarded: %v", captured.BBox)
	}
	if captured.Limit != searchLimit {
		t.Errorf("limit %d", captured.Limit)
	}
	q, ok := captured.Query["eo:cloud_cover"].(map[string]any)
	if !ok || q["lte"] != 20.0 {
		t.Errorf("cloud cover constraint not forwarded: %v", captured.Query)
	}
}

func TestSearchEmptyResultMeansNoCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"features": []any{}})
	}))
	defer srv.Close()

	scenes, err := New(Options{BaseURL: srv.URL}).Search(context.Background(), testAOI(), pipeline.SceneFilters{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(scenes) != 0 {
		t.Errorf("expected no scenes, got %d", len(scenes))
	}
}

func TestSearchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Search(context.Background(), testAOI(), pipeline.SceneFilters{})
	if !pipeline.IsTransient(err) {
		t.Errorf("502 not transient: %v", err)
	}
}

func TestSearchBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad bbox", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Search(context.Background(), testAOI(), pipeline.SceneFilters{})
	if !pipeline.IsPermanent(err) {
		t.Errorf("400 not permanent: %v", err)
	}
}

func TestSearchMalformedBodyIsContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Search(context.Background(), testAOI(), pipeline.SceneFilters{})
	if !pipeline.IsContract(err) {
		t.Errorf("malformed body not a contract error: %v", err)
	}
}

func TestSearchDatetimeWindow(t *testing.T) {
	var captured searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{"features": []any{}})
	}))
	defer srv.Close()

	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	_, err := New(Options{BaseURL: srv.URL}).Search(context.Background(), testAOI(),
		pipeline.SceneFilters{Start: start, End: end})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if captured.Datetime != "2026-01-01T00:00:00Z/2026-03-01T00:00:00Z" {
		t.Errorf("datetime %q", captured.Datetime)
	}
}

func TestOrderAndPollAreInstant(t *testing.T) {
	c := New(Options{})
	scene := pipeline.Scene{ID: "scene-1", Provider: ProviderName, AssetURL: "https://assets.example/a.tif"}

	order, err := c.Order(context.Background(), scene)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if order.ID != "stac-scene-1" || order.SceneID != "scene-1" {
		t.Errorf("order %+v", order)
	}

	poll, err := c.Poll(context.Background(), order)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if poll.State != pipeline.OrderStateReady {
		t.Errorf("poll state %s, want ready", poll.State)
	}
}

func TestOrderWithoutAssetFails(t *testing.T) {
	_, err := New(Options{}).Order(context.Background(), pipeline.Scene{ID: "scene-1"})
	if !pipeline.IsPermanent(err) {
		t.Errorf("assetless order not permanent: %v", err)
	}
}

func TestDownloadStreamsAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tiff bytes")
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	rc, err := c.Download(context.Background(),
		pipeline.ImageryOrder{ID: "stac-scene-1", SceneID: "scene-1"},
		pipeline.OrderPoll{State: pipeline.OrderStateReady, AssetURL: srv.URL + "/asset.tif"})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(data) != "tiff bytes" {
		t.Errorf("asset content %q", data)
	}
}

func TestDownloadRecoversAssetFromItem(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/collections/sentinel-2-l2a/items/scene-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "scene-1",
			"collection": "sentinel-2-l2a",
			"assets": map[string]any{
				"visual": map[string]any{"href": srv.URL + "/asset.tif"},
			},
		})
	})
	mux.HandleFunc("/asset.tif", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "recovered bytes")
	})

	c := New(Options{BaseURL: srv.URL})
	rc, err := c.Download(context.Background(),
		pipeline.ImageryOrder{ID: "stac-scene-1", SceneID: "scene-1"},
		pipeline.OrderPoll{State: pipeline.OrderStateReady})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "recovered bytes" {
		t.Errorf("asset content %q", data)
	}
}

func TestOffNadirFilterAppliedClientSide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		high := itemJSON("tilted", 2)
		high["properties"].(map[string]any)["view:off_nadir"] = 35.0
		json.NewEncoder(w).Encode(map[string]any{
			"features": []any{high, itemJSON("nadir", 5)},
		})
	}))
	defer srv.Close()

	scenes, err := New(Options{BaseURL: srv.URL}).Search(context.Background(), testAOI(),
		pipeline.SceneFilters{MaxCloudCoverPct: 20, MaxOffNadirDeg: 20})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(scenes) != 1 || scenes[0].ID != "nadir" {
		t.Errorf("off-nadir filter not applied: %+v", scenes)
	}
}
