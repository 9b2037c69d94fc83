package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/devrig/devrig"
)

// APIClient talks to a running devrig daemon over its HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:4711/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// IsReachable reports whether a daemon answers on the base URL.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) post(path, name string) error {
	u := c.baseURL + path
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	resp, err := c.client.Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("%s", e.Error)
}

func (c *APIClient) StartProcess(name string) error   { return c.post("/start", name) }
func (c *APIClient) StopProcess(name string) error    { return c.post("/stop", name) }
func (c *APIClient) RestartProcess(name string) error { return c.post("/restart", name) }

// Reload asks the daemon to re-read its config and returns the diff counts.
func (c *APIClient) Reload() (devrig.ReloadResult, error) {
	var res devrig.ReloadResult
	resp, err := c.client.Post(c.baseURL+"/reload", "application/json", nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return res, decodeError(resp)
	}
	err = json.NewDecoder(resp.Body).Decode(&res)
	return res, err
}

// States fetches the status list for all processes.
func (c *APIClient) States() ([]devrig.State, error) {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out []devrig.State
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}
