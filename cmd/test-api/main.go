// Package main is a smoke-test utility that checks a running server. It calls
// /healthz and, when LAASY_API_KEY and LAASY_API_SECRET are set, /api-keys/my/status
// with those credentials, printing status codes, rate-limit headers and bodies.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("LAASY_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	ok := call(client, base+"/healthz", "")
	if key, secret := os.Getenv("LAASY_API_KEY"), os.Getenv("LAASY_API_SECRET"); key != "" && secret != "" {
		ok = call(client, base+"/api-keys/my/status", key+":"+secret) && ok
	}
	if !ok {
		os.Exit(1)
	}
}

func call(client *http.Client, url, credentials string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return false
	}
	if credentials != "" {
		req.Header.Set("Authorization", "Bearer "+credentials)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		return false
	}

	fmt.Printf("GET %s\nStatus: %d\n", url, resp.StatusCode)
	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "" {
		fmt.Printf("Rate limit: %s remaining of %s\n", resp.Header.Get("X-RateLimit-Remaining"), limit)
	}
	fmt.Printf("Response:\n%s\n\n", string(body))
	return resp.StatusCode < 400
}
