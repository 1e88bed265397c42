package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// errRequestFailed wraps a non-2xx response from the control plane.
var errRequestFailed = errors.New("request failed")

// item mirrors the control plane's itemView JSON shape.
type item struct {
	DataID  uint32 `json:"data_id"`
	Version uint32 `json:"version"`
	Value   string `json:"value_base64"`
	Paused  bool   `json:"paused"`
}

// apiClient is a thin HTTP client for the meshd control-plane API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, httpClient *http.Client) *apiClient {
	return &apiClient{baseURL: baseURL, http: httpClient}
}

func (c *apiClient) listItems(ctx context.Context) ([]item, error) {
	var items []item
	if err := c.do(ctx, http.MethodGet, "/v1/items", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *apiClient) updateItem(ctx context.Context, dataID uint32, valueBase64 string) error {
	body := map[string]string{"value_base64": valueBase64}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/items/%d/update", dataID), body, nil)
}

func (c *apiClient) pauseItem(ctx context.Context, dataID uint32) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/items/%d/pause", dataID), nil, nil)
}

func (c *apiClient) resumeItem(ctx context.Context, dataID uint32) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/items/%d/resume", dataID), nil, nil)
}

type startTransferBody struct {
	Peer     string `json:"peer"`
	PacketID uint16 `json:"packet_id"`
	Payload  string `json:"payload_base64"`
	PeriodMS uint16 `json:"period_ms,omitempty"`
}

func (c *apiClient) startTransfer(ctx context.Context, req startTransferBody) error {
	return c.do(ctx, http.MethodPost, "/v1/bdc/transfers", req, nil)
}

// do issues an HTTP request with a JSON body (if reqBody is non-nil) and
// decodes a JSON response into respOut (if non-nil and the body is non-empty).
func (c *apiClient) do(ctx context.Context, method, path string, reqBody, respOut any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %w: %s", method, path, errRequestFailed, errResp.Error)
		}
		return fmt.Errorf("%s %s: %w: status %d", method, path, errRequestFailed, resp.StatusCode)
	}

	if respOut == nil {
		return nil
	}
	if resp.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respOut); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
