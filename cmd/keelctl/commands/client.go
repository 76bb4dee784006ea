package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// adminClient is a thin HTTP client for the gateway's admin API.
type adminClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// newAdminClient builds the client from the global flags, falling back to
// the KEEL_ADMIN_API_KEY environment variable for the key.
func newAdminClient() (*adminClient, error) {
	key := adminAPIKey
	if key == "" {
		key = os.Getenv("KEEL_ADMIN_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("admin API key required (--admin-key or KEEL_ADMIN_API_KEY)")
	}
	return &adminClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		apiKey:  key,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do performs one request and decodes the JSON response into out when it is
// non-nil.
func (c *adminClient) do(method, path string, body, out any) error {
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
	req.Header.Set("ApiKey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// tenantInfo mirrors the admin API's tenant document.
type tenantInfo struct {
	ID                string    `json:"id"`
	MaxConnections    int       `json:"max_connections,omitempty"`
	FileSizeLimit     int64     `json:"file_size_limit"`
	FeatureFlags      string    `json:"feature_flags,omitempty"`
	MigrationsVersion uint      `json:"migrations_version"`
	MigrationsStatus  string    `json:"migrations_status"`
	DisableEvents     bool      `json:"disable_events"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (c *adminClient) listTenants() ([]tenantInfo, error) {
	var out []tenantInfo
	err := c.do(http.MethodGet, "/admin/tenants", nil, &out)
	return out, err
}

func (c *adminClient) getTenant(id string) (*tenantInfo, error) {
	var out tenantInfo
	err := c.do(http.MethodGet, "/admin/tenants/"+id, nil, &out)
	return &out, err
}

func (c *adminClient) createTenant(body any) (*tenantInfo, error) {
	var out tenantInfo
	err := c.do(http.MethodPost, "/admin/tenants", body, &out)
	return &out, err
}

func (c *adminClient) deleteTenant(id string) error {
	return c.do(http.MethodDelete, "/admin/tenants/"+id, nil, nil)
}
