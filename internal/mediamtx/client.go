// SPDX-License-Identifier: MIT

// Package mediamtx provides a client for the MediaMTX REST API, used to
// check whether a camera's live-preview path is actually receiving video
// from the worker that republishes it, without touching MediaMTX's own
// configuration files.
//
// Reference: https://github.com/bluenviron/mediamtx
package mediamtx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultAPIURL is the default MediaMTX API endpoint.
	DefaultAPIURL = "http://localhost:9997"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 5 * time.Second
)

// Client provides methods for interacting with the MediaMTX REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Path represents a stream path in MediaMTX (a republished camera feed).
type Path struct {
	Name          string   `json:"name"`
	Source        *Source  `json:"source,omitempty"`
	Ready         bool     `json:"ready"`
	ReadyTime     string   `json:"readyTime,omitempty"`
	Tracks        []Track  `json:"tracks,omitempty"`
	BytesReceived int64    `json:"bytesReceived"`
	BytesSent     int64    `json:"bytesSent"`
	Readers       []Reader `json:"readers,omitempty"`
}

// Source describes the source of a stream.
type Source struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// TrackType represents the type of media track.
type TrackType string

const (
	TrackTypeAudio TrackType = "audio"
	TrackTypeVideo TrackType = "video"
)

// Track represents a media track in a stream.
type Track struct {
	Type       string `json:"type"` // "audio" or "video"
	Codec      string `json:"codec"`
	ClockRate  int    `json:"clockRate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bitDepth"`
	SampleRate int    `json:"sampleRate"`
}

// Reader represents a client reading from a stream.
type Reader struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	BytesSent int64  `json:"bytesSent"`
}

// PathList is the response from the list paths endpoint.
type PathList struct {
	PageCount int    `json:"pageCount"`
	ItemCount int    `json:"itemCount"`
	Items     []Path `json:"items"`
}

// ServerInfo contains MediaMTX server information.
type ServerInfo struct {
	Version string `json:"version"`
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new MediaMTX API client for baseURL, e.g.
// "http://localhost:9997".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListPaths returns all configured paths (GET /v3/paths/list).
func (c *Client) ListPaths(ctx context.Context) ([]Path, error) {
	url := fmt.Sprintf("%s/v3/paths/list", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("API returned status %d (failed to read body: %v)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var pathList PathList
	if err := json.NewDecoder(resp.Body).Decode(&pathList); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return pathList.Items, nil
}

// GetPath returns information about one path, named after the camera id
// that republishes to it (GET /v3/paths/get/{name}).
func (c *Client) GetPath(ctx context.Context, name string) (*Path, error) {
	url := fmt.Sprintf("%s/v3/paths/get/%s", c.baseURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("path %q not found", name)
	}

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("API returned status %d (failed to read body: %v)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var path Path
	if err := json.NewDecoder(resp.Body).Decode(&path); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &path, nil
}

// IsStreamHealthy reports whether a camera's preview path exists, is
// ready, and is actually receiving bytes.
func (c *Client) IsStreamHealthy(ctx context.Context, name string) (bool, error) {
	path, err := c.GetPath(ctx, name)
	if err != nil {
		return false, err
	}
	return path.Ready && path.BytesReceived > 0, nil
}

// WaitForStream polls until a camera's preview path becomes ready or
// timeout elapses.
func (c *Client) WaitForStream(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	pollInterval := time.Second

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for stream %q to become ready", name)
		}

		healthy, err := c.IsStreamHealthy(ctx, name)
		if err == nil && healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ping checks if the MediaMTX API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/v3/paths/list", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MediaMTX API not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("MediaMTX API returned status %d (failed to read body: %v)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("MediaMTX API returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// GetStreamStats returns statistics for a camera's preview path.
func (c *Client) GetStreamStats(ctx context.Context, name string) (*StreamStats, error) {
	path, err := c.GetPath(ctx, name)
	if err != nil {
		return nil, err
	}

	stats := &StreamStats{
		Name:          path.Name,
		Ready:         path.Ready,
		BytesReceived: path.BytesReceived,
		BytesSent:     path.BytesSent,
		ReaderCount:   len(path.Readers),
	}

	if path.ReadyTime != "" {
		if t, err := time.Parse(time.RFC3339, path.ReadyTime); err == nil {
			stats.ReadyTime = t
			stats.Uptime = time.Since(t)
		}
	}

	for _, track := range path.Tracks {
		switch track.Type {
		case string(TrackTypeVideo):
			stats.VideoCodec = track.Codec
		case string(TrackTypeAudio):
			stats.AudioCodec = track.Codec
			stats.SampleRate = track.SampleRate
			stats.Channels = track.Channels
		}
	}

	return stats, nil
}

// StreamStats contains statistics about one camera's preview path.
type StreamStats struct {
	Name          string
	Ready         bool
	ReadyTime     time.Time
	Uptime        time.Duration
	BytesReceived int64
	BytesSent     int64
	ReaderCount   int
	VideoCodec    string
	AudioCodec    string
	SampleRate    int
	Channels      int
}

// HealthCheck performs a comprehensive health check of MediaMTX across
// every path it currently serves.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{
		Timestamp: time.Now(),
	}

	if err := c.Ping(ctx); err != nil {
		status.APIReachable = false
		status.Error = err.Error()
		return status, nil
	}
	status.APIReachable = true

	paths, err := c.ListPaths(ctx)
	if err != nil {
		status.Error = err.Error()
		return status, nil
	}

	status.TotalStreams = len(paths)

	for _, path := range paths {
		if path.Ready && path.BytesReceived > 0 {
			status.HealthyStreams++
		}
	}

	status.Healthy = status.APIReachable && status.HealthyStreams == status.TotalStreams

	return status, nil
}

// HealthStatus contains the health status of MediaMTX.
type HealthStatus struct {
	Timestamp      time.Time
	Healthy        bool
	APIReachable   bool
	TotalStreams   int
	HealthyStreams int
	Error          string
}
