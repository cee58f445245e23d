package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// apiClient talks to one cascadeflow instance. The admin token is only
// attached on /admin paths.
type apiClient struct {
	base       string
	apiKey     string
	adminToken string
	http       *http.Client
}

func newClient() *apiClient {
	base := os.Getenv("CASCADEFLOW_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &apiClient{
		base:       strings.TrimRight(base, "/"),
		apiKey:     os.Getenv("CASCADEFLOW_API_KEY"),
		adminToken: os.Getenv("CASCADEFLOW_ADMIN_TOKEN"),
		http:       &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok := c.apiKey
	if strings.HasPrefix(path, "/admin/") {
		tok = c.adminToken
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return c.http.Do(req)
}

// call runs a request and decodes the JSON response into out. Error bodies
// become errors; a nil out discards the body.
func (c *apiClient) call(method, path string, body, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func unmarshal(payload string, v any) error {
	return json.Unmarshal([]byte(payload), v)
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// --- formatting helpers ---

func fmtCost(usd float64) string {
	if usd == 0 {
		return "free"
	}
	if usd < 0.01 {
		return fmt.Sprintf("$%.6f", usd)
	}
	return fmt.Sprintf("$%.4f", usd)
}

func fmtLatency(ms int64) string {
	if ms < 1000 {
		return strconv.FormatInt(ms, 10) + "ms"
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
