package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is a thin HTTP client for the collector dashboard API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SensorData fetches the latest readings, newest first. limit <= 0 uses the
// server default.
func (c *Client) SensorData(ctx context.Context, limit int) ([]Reading, error) {
	var resp []Reading
	err := c.getJSON(ctx, withLimit("/api/sensor-data", limit), &resp)
	return resp, err
}

// Nodes fetches per-node statistics.
func (c *Client) Nodes(ctx context.Context) ([]NodeStats, error) {
	var resp []NodeStats
	err := c.getJSON(ctx, "/api/nodes", &resp)
	return resp, err
}

// Node fetches one node's statistics and recent readings.
func (c *Client) Node(ctx context.Context, nodeID int) (NodeDetail, error) {
	var resp NodeDetail
	err := c.getJSON(ctx, "/api/nodes/"+strconv.Itoa(nodeID), &resp)
	return resp, err
}

// Registrations fetches recent registration events.
func (c *Client) Registrations(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	err := c.getJSON(ctx, withLimit("/api/registrations", limit), &resp)
	return resp, err
}

// Errors fetches recent unrecognized-command events.
func (c *Client) Errors(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	err := c.getJSON(ctx, withLimit("/api/errors", limit), &resp)
	return resp, err
}

// Transfers fetches finished transfers, oldest first.
func (c *Client) Transfers(ctx context.Context) ([]Transfer, error) {
	var resp []Transfer
	err := c.getJSON(ctx, "/api/transfers", &resp)
	return resp, err
}

// Sessions fetches the registered sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp []Session
	err := c.getJSON(ctx, "/api/sessions", &resp)
	return resp, err
}

// Overview fetches fleet totals.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var resp Overview
	err := c.getJSON(ctx, "/api/overview", &resp)
	return resp, err
}

// Health fetches the liveness report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.getJSON(ctx, "/api/health", &resp)
	return resp, err
}

func withLimit(path string, limit int) string {
	if limit <= 0 {
		return path
	}
	return path + "?limit=" + strconv.Itoa(limit)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
