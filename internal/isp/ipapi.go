package isp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultLookupURL адрес ip-api.com; IP дописывается в конец
const DefaultLookupURL = "http://ip-api.com/json/"

// IPAPIClient определяет провайдера через ip-api.com
type IPAPIClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewIPAPIClient создает клиента с таймаутом 10 секунд
func NewIPAPIClient(baseURL string) *IPAPIClient {
	if baseURL == "" {
		baseURL = DefaultLookupURL
	}
	return &IPAPIClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type ipAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ISP     string `json:"isp"`
}

func (c *IPAPIClient) Resolve(ctx context.Context, ip string) (string, error) {
	u := c.BaseURL + url.PathEscape(ip) + "?fields=status,message,isp"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip-api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode ip-api response: %w", err)
	}
	if body.Status != "success" {
		return "", fmt.Errorf("ip-api lookup failed: %s", body.Message)
	}
	return body.ISP, nil
}
