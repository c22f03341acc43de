// Package main is a post-deployment smoke test. It calls the unauthenticated
// system endpoints of a running console backend and prints each status and
// body. It exits non-zero when any endpoint does not answer 200.
//
// Usage:
//
//	test-api [base-url]   (default http://localhost:8080)
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := "http://localhost:8080"
	if len(os.Args) > 1 {
		baseURL = strings.TrimRight(os.Args[1], "/")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false
	for _, path := range []string{"/health", "/ready", "/version"} {
		status, body, err := get(client, baseURL+path)
		if err != nil {
			fmt.Printf("%s: error: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: %d\n%s\n", path, status, body)
		if status != http.StatusOK {
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}

func get(client *http.Client, url string) (int, string, error) {
	resp, err := client.Get(url) // #nosec G107 -- operator-supplied base URL
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
