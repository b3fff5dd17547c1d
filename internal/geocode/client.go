// Package geocode resolves (street, city) pairs to coordinates through a
// Nominatim-compatible endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/pkg/logger"
	"github.com/incidentmap/pipeline/pkg/retry"
)

type Result struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geocoder resolves an address. A nil Result with nil error means the
// address was not found.
type Geocoder interface {
	Lookup(ctx context.Context, street, city string) (*Result, error)
}

type Client struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	retryConfig retry.Config
}

func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			MaxDelay:       10 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.Log,
		},
	}
}

func (c *Client) Lookup(ctx context.Context, street, city string) (*Result, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("street", street)
	params.Set("city", city)
	lookupURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	result, err := retry.DoWithResult(ctx, c.retryConfig, func() (*Result, error) {
		return c.lookupOnce(ctx, lookupURL)
	})
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return nil, err
	}

	if result == nil {
		metrics.GeocodeLookups.WithLabelValues("not_found").Inc()
		logger.Debug("Address not found", zap.String("street", street), zap.String("city", city))
	} else {
		metrics.GeocodeLookups.WithLabelValues("found").Inc()
	}
	return result, nil
}

func (c *Client) lookupOnce(ctx context.Context, lookupURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call geocoder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read geocoder response: %w", err)
	}

	// Nominatim encodes coordinates as strings.
	var places []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, fmt.Errorf("failed to parse geocoder response: %w", err)
	}
	if len(places) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", places[0].Lon, err)
	}

	return &Result{Lat: lat, Lon: lon}, nil
}
