// Command probe is a minimal HTTP check used as a container HEALTHCHECK CMD
// against the load balancer's own /health endpoint. It exits 0 when the
// target URL returns 200, and 1 otherwise (including a 503 degraded
// response, which correctly fails the container health check).
//
// Usage:
//
//	probe <url>
//
// Example (in a Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/probe", "http://localhost:8080/health"]
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: probe <url>")
		os.Exit(1)
	}

	url := os.Args[1]
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "probe: HTTP %d from %s\n", resp.StatusCode, url)
		os.Exit(1)
	}

	os.Exit(0)
}
