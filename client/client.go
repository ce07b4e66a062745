package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to the HTTP API of one node of a local cluster.
// Idempotent admin calls (templates, index deletion) go through a retrying client.
// Health probes and the shutdown request use the bare underlying client, since callers
// bound those with their own timeouts and a retry would only hide the answer.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	probeClient              *http.Client
	customizeRetryableClient func(*retryablehttp.Client)
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.Logger = l.Named("es_client")
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the node listening on host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		Logger:  zap.NewNop().Sugar(),
		baseURL: "http://" + net.JoinHostPort(host, fmt.Sprint(port)),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 2 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.RetryMax = 3
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.probeClient = retryClient.HTTPClient
	c.HTTPClient = retryClient.StandardClient()
	return c
}

// BaseURL returns the root URL of the node API.
func (c *Client) BaseURL() string { return c.baseURL }

// StatusError is returned when the API answers with an unexpected status code.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected HTTP status code %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Health is the document returned by /_cluster/health.
type Health struct {
	ClusterName         string `json:"cluster_name"`
	Status              string `json:"status"`
	TimedOut            bool   `json:"timed_out"`
	NumberOfNodes       int    `json:"number_of_nodes"`
	NumberOfDataNodes   int    `json:"number_of_data_nodes"`
	ActivePrimaryShards int    `json:"active_primary_shards"`
	ActiveShards        int    `json:"active_shards"`
	RelocatingShards    int    `json:"relocating_shards"`
	InitializingShards  int    `json:"initializing_shards"`
	UnassignedShards    int    `json:"unassigned_shards"`
}

// NodesInfo is the subset of the /_nodes/{filter} document needed to find node processes.
type NodesInfo struct {
	ClusterName string              `json:"cluster_name"`
	Nodes       map[string]NodeInfo `json:"nodes"`
}

type NodeInfo struct {
	Name    string       `json:"name"`
	Host    string       `json:"host"`
	HTTP    string       `json:"http_address"`
	Process *ProcessInfo `json:"process,omitempty"`
}

type ProcessInfo struct {
	ID int `json:"id"`
}

// Template is an index template as accepted by PUT /_template/{name}.
type Template struct {
	Template string         `json:"template"`
	Order    int            `json:"order,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
// Any non-2xx answer is a *StatusError.
func (c *Client) do(httpClient *http.Client, req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Health fetches the cluster health document. If waitForStatus is non-empty the server
// is asked to hold the request until that status is reached or waitTimeout expires.
// A 408 answer (server-side wait timed out) still carries a health document and is not an error.
func (c *Client) Health(ctx context.Context, waitForStatus string, waitTimeout time.Duration) (*Health, error) {
	q := url.Values{}
	if waitForStatus != "" {
		q.Set("wait_for_status", waitForStatus)
		if waitTimeout > 0 {
			q.Set("timeout", fmt.Sprintf("%dms", waitTimeout.Milliseconds()))
		}
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/_cluster/health", q, nil)
	if err != nil {
		return nil, err
	}
	var h Health
	err = c.do(c.probeClient, req, &h)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusRequestTimeout {
		if jsonErr := json.Unmarshal([]byte(statusErr.Body), &h); jsonErr == nil {
			return &h, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Nodes fetches node information, restricted to the given metric filter (e.g. "process").
func (c *Client) Nodes(ctx context.Context, filter string) (*NodesInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/_nodes/"+url.PathEscape(filter), nil, nil)
	if err != nil {
		return nil, err
	}
	var info NodesInfo
	if err := c.do(c.HTTPClient, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ProcessIDs returns the OS process ids the nodes report for themselves, sorted.
func (c *Client) ProcessIDs(ctx context.Context) ([]int, error) {
	info, err := c.Nodes(ctx, "process")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, n := range info.Nodes {
		if n.Process != nil && n.Process.ID > 0 {
			pids = append(pids, n.Process.ID)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// MasterNode returns the id of the elected master, from /_cluster/state.
func (c *Client) MasterNode(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("filter_metadata", "true")
	q.Set("filter_routing_table", "true")
	req, err := c.newRequest(ctx, http.MethodGet, "/_cluster/state", q, nil)
	if err != nil {
		return "", err
	}
	state := struct {
		MasterNode string `json:"master_node"`
	}{}
	if err := c.do(c.HTTPClient, req, &state); err != nil {
		return "", err
	}
	return state.MasterNode, nil
}

// Shutdown asks every node of the cluster to shut down.
func (c *Client) Shutdown(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/_shutdown", nil, nil)
	if err != nil {
		return err
	}
	return c.do(c.probeClient, req, nil)
}

// PutTemplate creates or replaces the index template called name.
func (c *Client) PutTemplate(ctx context.Context, name string, tmpl Template) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/_template/"+url.PathEscape(name), nil, tmpl)
	if err != nil {
		return err
	}
	return c.do(c.HTTPClient, req, nil)
}

// DeleteIndex deletes one index, or every index when name is "_all".
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("empty index name")
	}
	req, err := c.newRequest(ctx, http.MethodDelete, "/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return err
	}
	return c.do(c.HTTPClient, req, nil)
}

// CreateIndex creates an index with default settings.
func (c *Client) CreateIndex(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("empty index name")
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return err
	}
	return c.do(c.HTTPClient, req, nil)
}

// IndexExists reports whether the named index exists.
func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return false, err
	}
	err = c.do(c.HTTPClient, req, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}
