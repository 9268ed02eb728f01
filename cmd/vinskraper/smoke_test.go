//go:build smoke

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	defaultSmokeURL      = "http://127.0.0.1:8087"
	defaultHealthTimeout = 10 * time.Second
)

// Runs against a live `vinskraper serve`.
func TestSmoke_ServeEndpoints(t *testing.T) {
	baseURL := strings.TrimRight(smokeEnv("VINSKRAPER_TEST_URL", defaultSmokeURL), "/")
	waitForHealthy(t, baseURL, defaultHealthTimeout)

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(baseURL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(baseURL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Kind  string `json:"kind"`
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	names := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		names = append(names, item.Name)
	}
	assert.ElementsMatch(t, []string{"availability", "harvest", "shops"}, names)

	metrics, err := client.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func smokeEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func waitForHealthy(t *testing.T, baseURL string, timeout time.Duration) {
	t.Helper()

	client := &http.Client{Timeout: 1 * time.Second}
	deadline := time.Now().Add(timeout)
	var lastError string

	for {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
			lastError = fmt.Sprintf("status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
		} else {
			lastError = err.Error()
		}

		if time.Now().After(deadline) {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("vinskraper not healthy within %s: %s", timeout, lastError)
}
