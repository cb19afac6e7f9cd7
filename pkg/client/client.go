package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hodei/pipelines/pkg/types"
)

// Client talks to the orchestrator's HTTP API. The CLI is its main consumer.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client // No timeout; used for event following
}

// New creates a client for the API at baseURL, e.g. "http://127.0.0.1:8080"
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
	}
}

// Job is the API's job representation
type Job struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	Priority         int            `json:"priority"`
	AssignedPoolID   string         `json:"assignedPoolId,omitempty"`
	AssignedWorkerID string         `json:"assignedWorkerId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	ExitCode         int            `json:"exitCode"`
	Failure          *types.Failure `json:"failure,omitempty"`
	CancelReason     string         `json:"cancelReason,omitempty"`
}

// Pool is the API's pool representation with its live utilization
type Pool struct {
	ID           string                 `json:"ID"`
	Name         string                 `json:"Name"`
	ProviderKind string                 `json:"ProviderKind"`
	MaxWorkers   int                    `json:"MaxWorkers"`
	Labels       []string               `json:"Labels"`
	Ephemeral    bool                   `json:"Ephemeral"`
	Utilization  *types.PoolUtilization `json:"utilization,omitempty"`
}

// Worker is the API's worker representation
type Worker struct {
	ID              string    `json:"id"`
	PoolID          string    `json:"poolId"`
	Status          string    `json:"status"`
	CurrentJobID    string    `json:"currentJobId,omitempty"`
	Labels          []string  `json:"labels,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ConnectedAt     time.Time `json:"connectedAt"`
	Ephemeral       bool      `json:"ephemeral,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

// SubmitJob submits a pipeline for execution
func (c *Client) SubmitJob(name string, priority int, def *types.JobDefinition) (*Job, error) {
	body := map[string]any{"name": name, "priority": priority, "definition": def}
	var job Job
	if err := c.do(http.MethodPost, "/v1/jobs", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job
func (c *Client) GetJob(id string) (*Job, error) {
	var job Job
	if err := c.do(http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs, optionally filtered by status
func (c *Client) ListJobs(status string) ([]*Job, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var jobs []*Job
	if err := c.do(http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelJob requests cancellation of a job
func (c *Client) CancelJob(id, reason string) error {
	return c.do(http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel",
		map[string]string{"reason": reason}, nil)
}

// Events reads a job's durable event log from a sequence cursor
func (c *Client) Events(id string, after uint64, limit int) ([]*types.ExecutionEvent, error) {
	path := fmt.Sprintf("/v1/jobs/%s/events?after=%d", url.PathEscape(id), after)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var events []*types.ExecutionEvent
	if err := c.do(http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// FollowEvents streams a job's events from the cursor until the job reaches
// a terminal state, the context is cancelled, or fn returns an error.
func (c *Client) FollowEvents(ctx context.Context, id string, after uint64, fn func(*types.ExecutionEvent) error) error {
	path := fmt.Sprintf("%s/v1/jobs/%s/events?follow=true&after=%d", c.baseURL, url.PathEscape(id), after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.ExecutionEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ListPools lists the resource pools
func (c *Client) ListPools() ([]*Pool, error) {
	var pools []*Pool
	if err := c.do(http.MethodGet, "/v1/pools", nil, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// ListWorkers lists the connected workers
func (c *Client) ListWorkers() ([]*Worker, error) {
	var workers []*Worker
	if err := c.do(http.MethodGet, "/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// ListTemplates lists the worker templates
func (c *Client) ListTemplates() ([]*types.WorkerTemplate, error) {
	var templates []*types.WorkerTemplate
	if err := c.do(http.MethodGet, "/v1/templates", nil, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("api error (%d): %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("api error: status %d", resp.StatusCode)
}
