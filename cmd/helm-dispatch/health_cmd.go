package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"
)

type healthReport struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Degraded     bool              `json:"degraded"`
	Dependencies map[string]string `json:"dependencies"`
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	url := cmd.String("url", "http://localhost:"+port, "Server base URL")
	jsonOutput := cmd.Bool("json", false, "Print the raw health report")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url + "/health/detailed")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		color := ColorGreen
		if report.Degraded {
			color = ColorRed
		}
		fmt.Fprintf(stdout, "%s%s%s %s\n", ColorBold+color, report.Status, ColorReset, report.Version)
		names := make([]string, 0, len(report.Dependencies))
		for name := range report.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stdout, "  %-12s %s\n", name, report.Dependencies[name])
		}
	}

	if report.Degraded {
		return 1
	}
	return 0
}
