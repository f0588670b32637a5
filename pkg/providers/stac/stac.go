// Package stac adapts a STAC search API (Planetary-Computer-style) to the
// pipeline's imagery provider contract. Scenes found by search are already
// deliverable, so ordering is instant and every poll reports readiness.
package stac

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
const ProviderName = "stac"

// DefaultBaseURL is the Microsoft Planetary Computer STAC endpoint.
const DefaultBaseURL = "https://planetarycomputer.microsoft.com/api/stac/v1"

// DefaultCollection is searched when the configuration names none.
const DefaultCollection = "sentinel-2-l2a"

// searchLimit caps the number of items requested per search.
const searchLimit = 50

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API endpoint. Empty uses DefaultBaseURL.
	BaseURL string

	// Collections restricts searches. Empty uses DefaultCollection.
	Collections []string

	// HTTPClient overrides the HTTP client. Nil uses a 30 second timeout.
	HTTPClient *http.Client
}

// Client implements pipeline.ImageryProvider against a STAC API.
type Client struct {
	baseURL     string
	collections []string
	httpc       *http.Client
}

// New creates a STAC adapter.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = []string{DefaultCollection}
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, collections: collections, httpc: httpc}
}

// Name returns the adapter's registry name.
func (c *Client) Name() string { return ProviderName }

// searchRequest is the STAC /search POST body.
type searchRequest struct {
	Collections []string       `json:"collections"`
	BBox        []float64      `json:"bbox"`
	Datetime    string         `json:"datetime,omitempty"`
	Limit       int            `json:"limit"`
	Query       map[string]any `json:"query,omitempty"`
}

// searchResponse is the subset of the STAC ItemCollection the adapter reads.
type searchResponse struct {
	Features []stacItem `json:"features"`
}

type stacItem struct {
	ID         string               `json:"id"`
	Collection string               `json:"collection"`
	Properties stacProperties       `json:"properties"`
	Assets     map[string]stacAsset `json:"assets"`
}

type stacProperties struct {
	Datetime   time.Time `json:"datetime"`
	CloudCover float64   `json:"eo:cloud_cover"`
	OffNadir   float64   `json:"view:off_nadir"`
	GSD        float64   `json:"gsd"`
}

type stacAsset struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

// Search POSTs a STAC item search for the AOI and returns matching scenes
// sorted by cloud cover ascending, so the head of the slice is the pick.
func (c *Client) Search(ctx context.Context, aoi pipeline.AOI, filters pipeline.SceneFilters) ([]pipeline.Scene, error) {
	req := searchRequest{
		Collections: c.collections,
		BBox:        aoi.BBox.Slice(),
		Datetime:    datetimeRange(filters),
		Limit:       searchLimit,
		Query: map[string]any{
			"eo:cloud_cover": map[string]any{"lte": filters.MaxCloudCoverPct},
		},
	}

	var resp searchResponse
	if err := c.post(ctx, "search", c.baseURL+"/search", req, &resp); err != nil {
		return nil, err
	}

	scenes := make([]pipeline.Scene, 0, len(resp.Features))
	for _, item := range resp.Features {
		if !matchesFilters(item.Properties, filters) {
			continue
		}
		scenes = append(scenes, pipeline.Scene{
			ID:            item.ID,
			Provider:      ProviderName,
			Collection:    item.Collection,
			AcquiredAt:    item.Properties.Datetime,
			CloudCoverPct: item.Properties.CloudCover,
			OffNadirDeg:   item.Properties.OffNadir,
			ResolutionM:   item.Properties.GSD,
			AssetURL:      primaryAssetHref(item.Assets),
		})
	}

	sort.SliceStable(scenes, func(i, j int) bool {
		return scenes[i].CloudCoverPct < scenes[j].CloudCoverPct
	})
	return scenes, nil
}

// Order is instant for STAC catalogs: the scene's asset already exists, so
// the order just wraps the scene identity.
func (c *Client) Order(ctx context.Context, scene pipeline.Scene) (pipeline.ImageryOrder, error) {
	if scene.AssetURL == "" {
		return pipeline.ImageryOrder{}, pipeline.NewPermanentError(
			"scene "+scene.ID+" has no downloadable asset", nil).
			WithStage("order").WithCode(pipeline.CodeOrderFailed)
	}
	return pipeline.ImageryOrder{
		ID:       "stac-" + scene.ID,
		Provider: ProviderName,
		SceneID:  scene.ID,
		PlacedAt: time.Now().UTC(),
	}, nil
}

// Poll always reports readiness: catalog assets need no fulfilment.
func (c *Client) Poll(ctx context.Context, order pipeline.ImageryOrder) (pipeline.OrderPoll, error) {
	return pipeline.OrderPoll{State: pipeline.OrderStateReady}, nil
}

// Download streams the scene asset.
func (c *Client) Download(ctx context.Context, order pipeline.ImageryOrder, poll pipeline.OrderPoll) (io.ReadCloser, error) {
	url := poll.AssetURL
	if url == "" {
		// Instant-fulfilment polls carry no URL; recover it from the order
		// by re-reading the item.
		item, err := c.getItem(ctx, order.SceneID)
		if err != nil {
			return nil, err
		}
		url = primaryAssetHref(item.Assets)
		if url == "" {
			return nil, pipeline.NewPermanentError(
				"scene "+order.SceneID+" has no downloadable asset", nil).
				WithStage("download").WithCode(pipeline.CodeDownloadFailed)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pipeline.NewPermanentError("build download request", err).
			WithStage("download").WithCode(pipeline.CodeDownloadFailed)
	}
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

// getItem fetches a single STAC item by scanning the configured collections.
func (c *Client) getItem(ctx context.Context, id string) (*stacItem, error) {
	for _, collection := range c.collections {
		url := fmt.Sprintf("%s/collections/%s/items/%s", c.baseURL, collection, id)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, pipeline.NewPermanentError("build item request", err).WithStage("download")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, providers.TransportError(ProviderName, "download", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, providers.ClassifyHTTPStatus(ProviderName, "download", resp.StatusCode)
		}

		var item stacItem
		err = json.NewDecoder(resp.Body).Decode(&item)
		resp.Body.Close()
		if err != nil {
			return nil, providers.DecodeError(ProviderName, "download", err)
		}
		return &item, nil
	}
	return nil, pipeline.NewPermanentError("scene "+id+" not found in any configured collection", nil).
		WithStage("download").WithCode(pipeline.CodeDownloadFailed)
}

func (c *Client) post(ctx context.Context, operation, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pipeline.NewPermanentError("serialize "+operation+" request", err).WithStage(operation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return pipeline.NewPermanentError("build "+operation+" request", err).WithStage(operation)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/geo+json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return providers.TransportError(ProviderName, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.ClassifyHTTPStatus(ProviderName, operation, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providers.DecodeError(ProviderName, operation, err)
	}
	return nil
}

// matchesFilters applies the constraints the STAC query cannot express
// server-side for every catalog.
func matchesFilters(props stacProperties, filters pipeline.SceneFilters) bool {
	if filters.MaxOffNadirDeg > 0 && props.OffNadir > filters.MaxOffNadirDeg {
		return false
	}
	if props.GSD > 0 {
		if filters.MinResolutionM > 0 && props.GSD < filters.MinResolutionM {
			return false
		}
		if filters.MaxResolutionM > 0 && props.GSD > filters.MaxResolutionM {
			return false
		}
	}
	return true
}

// datetimeRange formats the filter window as a STAC datetime interval.
func datetimeRange(filters pipeline.SceneFilters) string {
	if filters.Start.IsZero() && filters.End.IsZero() {
		return ""
	}
	start, end := "..", ".."
	if !filters.Start.IsZero() {
		start = filters.Start.UTC().Format(time.RFC3339)
	}
	if !filters.End.IsZero() {
		end = filters.End.UTC().Format(time.RFC3339)
	}
	return start + "/" + end
}

// primaryAssetHref picks the downloadable asset: prefer the "visual",
// "data", and "image" keys in that order, then any asset with an href.
func primaryAssetHref(assets map[string]stacAsset) string {
	for _, key := range []string{"visual", "data", "image"} {
		if a, ok := assets[key]; ok && a.Href != "" {
			return a.Href
		}
	}
	for _, a := range assets {
		if a.Href != "" {
			return a.Href
		}
	}
	return ""
}
