package dbftdcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tv42/httpunix"
)

// apiLocation is the httpunix host name for the devnet socket.
const apiLocation = "dbftd"

// apiClient talks to a devnet HTTP API over its unix socket.
type apiClient struct {
	hc http.Client
}

func newAPIClient(socket string) *apiClient {
	u := &httpunix.Transport{
		DialTimeout:           time.Second,
		RequestTimeout:        5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	u.RegisterLocation(apiLocation, socket)

	return &apiClient{hc: http.Client{Transport: u}}
}

func (c *apiClient) url(path string) string {
	return "http+unix://" + apiLocation + path
}

// getJSON decodes the response to a GET of path into out.
func (c *apiClient) getJSON(path string, out any) error {
	resp, err := c.hc.Get(c.url(path))
	if err != nil {
		return fmt.Errorf("failed to reach devnet: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, http.StatusOK, out)
}

// postJSON sends body to path and decodes the response into out.
func (c *apiClient) postJSON(path string, body []byte, out any) error {
	resp, err := c.hc.Post(c.url(path), "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to reach devnet: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, http.StatusAccepted, out)
}

func decodeResponse(resp *http.Response, want int, out any) error {
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("devnet returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
