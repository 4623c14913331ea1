// The main package for the parker executable.
//
// Overview:
//   - HTTP API: internal/api.Server exposes capture submission, listing, detail, artifact download, live
//     progress over server-sent events, schedules, settings, dashboard, export and integrity endpoints.
//   - Worker pool: captures are dispatched through an unbounded queue to at most max_concurrent_captures
//     attempts; the ceiling is changed at runtime through the settings endpoint. Failed attempts are retried
//     with exponential backoff until max_attempts is consumed.
//   - Pipeline: each attempt renders the page with headless Chrome (or the HTTP fetcher when Chrome is
//     unavailable), writes HTML, screenshot, WARC and optional PDF atomically under storage.base_dir, and records
//     a SHA-256 per artifact.
//   - Background loops: the scheduler submits recurring captures, and the integrity checker re-hashes every
//     artifact on an interval.
//   - Configuration & plumbing: Viper reads a config file plus PARKER_* environment overrides (an optional .env is
//     loaded first); zap provides structured logging; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Run locally: go run . serve --config config.yaml
//   - One-off integrity sweep: go run . verify
//   - Export bundle: go run . export --out backup.zip
package main

import (
	"github.com/JakeFAU/parker/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
