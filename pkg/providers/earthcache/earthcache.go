// Package earthcache adapts the SkyWatch EarthCache ordering API to the
// pipeline's imagery provider contract. Unlike catalog providers, delivery
// is asynchronous: orders move through pending and processing before assets
// become downloadable, so polling does real work here.
package earthcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/providers"
)

// ProviderName is the registry name of this adapter.
const ProviderName = "earthcache"

// DefaultBaseURL is the EarthCache API endpoint.
const DefaultBaseURL = "https://api.skywatch.co/earthcache"

const searchLimit = 50

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API endpoint. Empty uses DefaultBaseURL.
	BaseURL string

	// APIKey authenticates every request. Required.
	APIKey string

	// HTTPClient overrides the HTTP client. Nil uses a 30 second timeout.
	HTTPClient *http.Client
}

// Client implements pipeline.ImageryProvider against the EarthCache API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New creates an EarthCache adapter.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, pipeline.NewValidationError("earthcache requires an API key", nil).
			WithCode(pipeline.CodeProviderFailed)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: opts.APIKey, httpc: httpc}, nil
}

// Name returns the adapter's registry name.
func (c *Client) Name() string { return ProviderName }

type searchRequest struct {
	BBox          []float64 `json:"bbox"`
	StartDate     string    `json:"start_date,omitempty"`
	EndDate       string    `json:"end_date,omitempty"`
	MaxCloudCover float64   `json:"max_cloud_cover_percentage"`
	MaxOffNadir   float64   `json:"max_off_nadir_angle,omitempty"`
	MinResolution float64   `json:"min_resolution,omitempty"`
	MaxResolution float64   `json:"max_resolution,omitempty"`
	Limit         int       `json:"limit"`
}

type searchResponse struct {
	Data []searchResult `json:"data"`
}

type searchResult struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	CaptureTime   time.Time `json:"capture_time"`
	CloudCoverPct float64   `json:"cloud_cover_percentage"`
	OffNadirDeg   float64   `json:"off_nadir_angle"`
	ResolutionM   float64   `json:"resolution"`
}

type orderRequest struct {
	SearchResultID string `json:"search_result_id"`
}

type orderResponse struct {
	Data orderData `json:"data"`
}

type orderData struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Deliveries []orderDelivery `json:"deliveries"`
}

type orderDelivery struct {
	DownloadURL string `json:"download_url"`
}

// Search queries archive coverage for the AOI. Results come back sorted by
// cloud cover ascending so the head of the slice is the pick.
func (c *Client) Search(ctx context.Context, aoi pipeline.AOI, filters pipeline.SceneFilters) ([]pipeline.Scene, error) {
	req := searchRequest{
		BBox:          aoi.BBox.Slice(),
		MaxCloudCover: filters.MaxCloudCoverPct,
		MaxOffNadir:   filters.MaxOffNadirDeg,
		MinResolution: filters.MinResolutionM,
		MaxResolution: filters.MaxResolutionM,
		Limit:         searchLimit,
	}
	if !filters.Start.IsZero() {
		req.StartDate = filters.Start.UTC().Format("2006-01-02")
	}
	if !filters.End.IsZero() {
		req.EndDate = filters.End.UTC().Format("2006-01-02")
	}

	var resp searchResponse
	if err := c.do(ctx, "search", http.MethodPost, c.baseURL+"/archive/search", req, &resp); err != nil {
		return nil, err
	}

	scenes := make([]pipeline.Scene, 0, len(resp.Data))
	for _, r := range resp.Data {
		scenes = append(scenes, pipeline.Scene{
			ID:            r.ID,
			Provider:      ProviderName,
			Collection:    r.Source,
			AcquiredAt:    r.CaptureTime,
			CloudCoverPct: r.CloudCoverPct,
			OffNadirDeg:   r.OffNadirDeg,
			ResolutionM:   r.ResolutionM,
		})
	}
	sort.SliceStable(scenes, func(i, j int) bool {
		return scenes[i].CloudCoverPct < scenes[j].CloudCoverPct
	})
	return scenes, nil
}

// Order places a delivery order for a search result.
func (c *Client) Order(ctx context.Context, scene pipeline.Scene) (pipeline.ImageryOrder, error) {
	var resp orderResponse
	err := c.do(ctx, "order", http.MethodPost, c.baseURL+"/orders", orderRequest{SearchResultID: scene.ID}, &resp)
	if err != nil {
		return pipeline.ImageryOrder{}, err
	}
	if resp.Data.ID == "" {
		return pipeline.ImageryOrder{}, providers.DecodeError(ProviderName, "order",
			fmt.Errorf("order response missing id"))
	}
	return pipeline.ImageryOrder{
		ID:       resp.Data.ID,
		Provider: ProviderName,
		SceneID:  scene.ID,
		PlacedAt: time.Now().UTC(),
	}, nil
}

// Poll performs one order status check.
func (c *Client) Poll(ctx context.Context, order pipeline.ImageryOrder) (pipeline.OrderPoll, error) {
	var resp orderResponse
	if err := c.do(ctx, "poll", http.MethodGet, c.baseURL+"/orders/"+order.ID, nil, &resp); err != nil {
		return pipeline.OrderPoll{}, err
	}

	switch resp.Data.Status {
	case "pending", "created":
		return pipeline.OrderPoll{State: pipeline.OrderStatePending}, nil
	case "processing":
		return pipeline.OrderPoll{State: pipeline.OrderStateProcessing}, nil
	case "complete":
		url := ""
		if len(resp.Data.Deliveries) > 0 {
			url = resp.Data.Deliveries[0].DownloadURL
		}
		if url == "" {
			return pipeline.OrderPoll{}, providers.DecodeError(ProviderName, "poll",
				fmt.Errorf("complete order %s has no delivery url", order.ID))
		}
		return pipeline.OrderPoll{State: pipeline.OrderStateReady, AssetURL: url}, nil
	case "failed":
		return pipeline.OrderPoll{State: pipeline.OrderStateFailed, Message: resp.Data.Message}, nil
	default:
		return pipeline.OrderPoll{}, providers.DecodeError(ProviderName, "poll",
			fmt.Errorf("unknown order status %q", resp.Data.Status))
	}
}

// Download streams the delivered asset.
func (c *Client) Download(ctx context.Context, order pipeline.ImageryOrder, poll pipeline.OrderPoll) (io.ReadCloser, error) {
	if poll.AssetURL == "" {
		return nil, pipeline.NewPermanentError("order "+order.ID+" has no delivery url", nil).
			WithStage("download").WithCode(pipeline.CodeDownloadFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, poll.AssetURL, nil)
	if err != nil {
		return nil, pipeline.NewPermanentError("build download request", err).
			WithStage("download").WithCode(pipeline.CodeDownloadFailed)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, providers.TransportError(ProviderName, "download", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, providers.ClassifyHTTPStatus(ProviderName, "download", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, operation, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pipeline.NewPermanentError("serialize "+operation+" request", err).WithStage(operation)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return pipeline.NewPermanentError("build "+operation+" request", err).WithStage(operation)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return providers.TransportError(ProviderName, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return providers.ClassifyHTTPStatus(ProviderName, operation, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providers.DecodeError(ProviderName, operation, err)
	}
	return nil
}
