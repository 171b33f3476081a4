// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// icarus-bench drives a load scenario against a running icarusd
// instance: it spawns a batch of jobs through the HTTP API and prints a
// live, colorized report of admission and completion as the Job Engine
// works through the batch.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

// stats mirrors the wire shape served by GET /jobs/stats.
type stats struct {
	Total               int     `json:"total_tasks"`
	Pending             int     `json:"pending_tasks"`
	Active              int     `json:"active_tasks"`
	Completed           int     `json:"completed_tasks"`
	Failed              int     `json:"failed_tasks"`
	AvgExecutionSeconds float64 `json:"avg_execution_seconds"`
	ThroughputPerHour   float64 `json:"throughput_tasks_per_hour"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	jobs := flag.Int("jobs", 20, "Number of jobs to spawn")
	taskFmt := flag.String("task", "benchmark task #%d", "Task description template, formatted with the job index")
	projectPath := flag.String("project_path", "", "Project path passed on every spawn request")
	apiHost := flag.String("api_host", "localhost", "Orchestrator API host")
	apiPort := flag.String("api_port", "8000", "Orchestrator API port")
	flag.Parse()

	if *jobs < 1 {
		fmt.Printf("%s--jobs must be at least 1%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s %s ICARUS BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", fmt.Sprintf("JOBS: %d", *jobs), "<<", colorReset)

	initial, err := getStats(baseURL)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	spawned := 0
	for i := 0; i < *jobs; i++ {
		if err := spawnJob(baseURL, fmt.Sprintf(*taskFmt, i), *projectPath); err != nil {
			fmt.Printf("%s[ERR]%s Failed to spawn job %d: %v\n", colorRed, colorReset, i, err)
			continue
		}
		spawned++
	}
	fmt.Printf("%s[OK]%s %d/%d jobs spawned.\n\n", colorGreen, colorReset, spawned, *jobs)

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "ACTIVE", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	lastDone := 0

	for range ticker.C {
		s, err := getStats(baseURL)
		elapsed := time.Since(startTime).Round(time.Second).String()

		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: connection refused (retrying...)", colorReset)
			continue
		}

		deltaCompleted := s.Completed - initial.Completed
		deltaFailed := s.Failed - initial.Failed

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, s.Active, colorReset,
			s.Pending,
		)

		done := deltaCompleted + deltaFailed
		if s.Active == 0 && s.Pending == 0 && done >= spawned && done > 0 {
			if done >= lastDone {
				fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
				fmt.Printf("\n%s%s Benchmark completed. %s%s\n", colorGreen, colorBold, "done", colorReset)
				printReport(s, initial, spawned, time.Since(startTime))
				break
			}
		}
		lastDone = done
	}
}

func spawnJob(baseURL, task, projectPath string) error {
	body, err := json.Marshal(map[string]string{"task": task, "project_path": projectPath})
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL+"/jobs/spawn", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func getStats(baseURL string) (stats, error) {
	resp, err := http.Get(baseURL + "/jobs/stats")
	if err != nil {
		return stats{}, err
	}
	defer resp.Body.Close()

	var s stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return stats{}, err
	}
	return s, nil
}

func printReport(final, initial stats, spawned int, duration time.Duration) {
	totalProcessed := (final.Completed - initial.Completed) + (final.Failed - initial.Failed)
	tps := float64(totalProcessed) / duration.Seconds()

	successRate := 100.0
	if totalProcessed > 0 {
		successRate = (float64(final.Completed-initial.Completed) / float64(totalProcessed)) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Jobs Spawned:", fmt.Sprintf("%d", spawned))

	completedStr := fmt.Sprintf("%d", final.Completed-initial.Completed)
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", completedStr)

	failedVal := final.Failed - initial.Failed
	failedColor := colorGreen
	if failedVal > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failedVal))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (JPS):", fmt.Sprintf("%.2f jobs/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Latency:", fmt.Sprintf("%.2f s", final.AvgExecutionSeconds))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f jobs/hr", final.ThroughputPerHour))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
