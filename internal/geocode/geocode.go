// Package geocode resolves address strings to coordinates for rows that
// arrive without usable latitude/longitude values.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"ingest/internal/model"
	"ingest/internal/source"
)

// Geocoder resolves a single address. The boolean is false when the service
// has no result for the address; that is not an error.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.GeoPoint, bool, error)
}

// Nop never resolves anything. It is the default when geocoding is disabled
// or no provider is configured.
type Nop struct{}

// Geocode reports every address as unresolved.
func (Nop) Geocode(ctx context.Context, address string) (model.GeoPoint, bool, error) {
	return model.GeoPoint{}, false, nil
}

// HTTP queries a Nominatim-compatible search endpoint. Lookups go through
// the retrying source client, so transient provider failures and 429s are
// absorbed before they surface as stage errors.
type HTTP struct {
	client  *source.HTTPClient
	baseURL string
}

// NewHTTP returns an HTTP geocoder for a Nominatim-style endpoint, e.g.
// "https://nominatim.example.net/search".
func NewHTTP(client *source.HTTPClient, baseURL string) *HTTP {
	return &HTTP{client: client, baseURL: baseURL}
}

type nominatimHit struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves address via the provider, returning the first hit.
func (g *HTTP) Geocode(ctx context.Context, address string) (model.GeoPoint, bool, error) {
	q := url.Values{"q": {address}, "format": {"jsonv2"}, "limit": {"1"}}
	resp, err := g.client.Get(ctx, g.baseURL+"?"+q.Encode())
	if err != nil {
		return model.GeoPoint{}, false, fmt.Errorf("geocode %q: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.GeoPoint{}, false, fmt.Errorf("geocode %q: status %d", address, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.GeoPoint{}, false, fmt.Errorf("geocode %q: read: %w", address, err)
	}
	var hits []nominatimHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return model.GeoPoint{}, false, fmt.Errorf("geocode %q: decode: %w", address, err)
	}
	if len(hits) == 0 {
		return model.GeoPoint{}, false, nil
	}
	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return model.GeoPoint{}, false, fmt.Errorf("geocode %q: bad lat %q", address, hits[0].Lat)
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return model.GeoPoint{}, false, fmt.Errorf("geocode %q: bad lon %q", address, hits[0].Lon)
	}
	return model.GeoPoint{Lat: lat, Lon: lon}, true, nil
}
