// Benchmark tool for testing Kestrel against labeled claims data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/claims.csv -url http://localhost:8080
//
// This tool:
//   1. Reads a claims CSV with an "Expected Error Type" label column
//   2. Uploads the claims (label column stripped) and triggers a validation run
//   3. Compares Kestrel's verdict error types with the expected labels
//   4. Calculates per-bucket accuracy and end-to-end throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// expectedLabelColumn marks the ground-truth column in benchmark CSVs.
// It is stripped before upload so it never reaches the mapper.
const expectedLabelColumn = "expected error type"

// UploadResponse is the claims upload response format.
type UploadResponse struct {
	JobID string `json:"job_id"`
	Rows  int    `json:"rows"`
}

// JobResponse is the job status response format.
type JobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// VerdictRecord is the subset of a verdict the benchmark compares.
type VerdictRecord struct {
	ClaimID   string `json:"claim_id"`
	Status    string `json:"status"`
	ErrorType string `json:"error_type"`
}

// VerdictListResponse is the verdict listing response format.
type VerdictListResponse struct {
	JobID    string          `json:"job_id"`
	Total    int             `json:"total"`
	Verdicts []VerdictRecord `json:"verdicts"`
}

// Metrics tracks benchmark results per error-type bucket.
type Metrics struct {
	TotalClaims int
	Correct     int
	Mismatched  int
	Missing     int

	// Expected label -> predicted error type -> count
	Confusion map[string]map[string]int
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled claims CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	rulesPath := flag.String("rules", "", "Optional rules JSON to upload first")
	rulesKind := flag.String("rules-kind", "technical", "Rule set kind for -rules (technical|medical)")
	wait := flag.Duration("wait", 2*time.Minute, "Maximum time to wait for the job to finish")
	verbose := flag.Bool("verbose", false, "Print each mismatched claim")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/claims.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Claims Validation                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	if *rulesPath != "" {
		fmt.Printf("Rules:       %s (%s)\n", *rulesPath, *rulesKind)
	}
	fmt.Println()

	client := &http.Client{Timeout: 30 * time.Second}

	// Check Kestrel is running
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled claims, split off the ground-truth column
	upload, expected, err := readLabeledCSV(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d labeled claims\n", len(expected))

	// Upload rules first if requested
	if *rulesPath != "" {
		if err := uploadRules(client, *baseURL, *tenantID, *rulesPath, *rulesKind); err != nil {
			fmt.Printf("ERROR: Failed to upload rules: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Rules uploaded (%s)\n", *rulesKind)
	}

	startTime := time.Now()

	// Upload claims and trigger the run
	jobID, rows, err := uploadClaims(client, *baseURL, *tenantID, upload)
	if err != nil {
		fmt.Printf("ERROR: Failed to upload claims: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Claims uploaded: job %s (%d rows)\n", jobID, rows)

	if err := triggerRun(client, *baseURL, *tenantID, jobID); err != nil {
		fmt.Printf("ERROR: Failed to trigger job run: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Validation run triggered")

	// Poll until the job settles
	status, err := waitForJob(client, *baseURL, *tenantID, jobID, *wait)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	if status != "completed" {
		fmt.Printf("ERROR: job finished with status %q\n", status)
		os.Exit(1)
	}
	duration := time.Since(startTime)
	fmt.Printf("✓ Job completed in %v\n", duration.Round(time.Millisecond))

	// Fetch verdicts and compare against the labels
	verdicts, err := fetchVerdicts(client, *baseURL, *tenantID, jobID)
	if err != nil {
		fmt.Printf("ERROR: Failed to fetch verdicts: %v\n", err)
		os.Exit(1)
	}

	metrics := compare(expected, verdicts, *verbose)
	printResults(metrics, duration)
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readLabeledCSV returns the CSV bytes to upload (label column removed) and
// the claim-id -> expected error type map. Claim IDs are matched on the
// column whose header contains "claim id".
func readLabeledCSV(path string) ([]byte, map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := -1
	claimIdx := -1
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if name == expectedLabelColumn {
			labelIdx = i
		}
		if strings.Contains(name, "claim id") {
			claimIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("no %q column in %s", expectedLabelColumn, path)
	}
	if claimIdx < 0 {
		return nil, nil, fmt.Errorf("no claim id column in %s", path)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(dropColumn(header, labelIdx)); err != nil {
		return nil, nil, err
	}

	expected := make(map[string]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		if labelIdx < len(record) && claimIdx < len(record) {
			expected[strings.TrimSpace(record[claimIdx])] = strings.TrimSpace(record[labelIdx])
		}
		if err := writer.Write(dropColumn(record, labelIdx)); err != nil {
			return nil, nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, nil, err
	}

	return buf.Bytes(), expected, nil
}

func dropColumn(record []string, idx int) []string {
	if idx >= len(record) {
		return record
	}
	out := make([]string, 0, len(record)-1)
	out = append(out, record[:idx]...)
	return append(out, record[idx+1:]...)
}

func postMultipart(client *http.Client, url, tenantID, filename string, content []byte, fields map[string]string) (*http.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", tenantID)
	return client.Do(req)
}

func uploadClaims(client *http.Client, baseURL, tenantID string, content []byte) (string, int, error) {
	resp, err := postMultipart(client, baseURL+"/claims/upload", tenantID, "benchmark.csv", content, nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, err
	}
	return result.JobID, result.Rows, nil
}

func uploadRules(client *http.Client, baseURL, tenantID, path, kind string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	resp, err := postMultipart(client, baseURL+"/rules/upload", tenantID, "benchmark-rules.json", content, map[string]string{
		"kind": kind,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func triggerRun(client *http.Client, baseURL, tenantID, jobID string) error {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/jobs/%s/run", baseURL, jobID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Tenant-ID", tenantID)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func waitForJob(client *http.Client, baseURL, tenantID, jobID string, maxWait time.Duration) (string, error) {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/jobs/%s", baseURL, jobID), nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("X-Tenant-ID", tenantID)
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		var job JobResponse
		err = json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		if err != nil {
			return "", err
		}
		if job.Status == "completed" || job.Status == "failed" {
			return job.Status, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return "", fmt.Errorf("job %s did not finish within %v", jobID, maxWait)
}

func fetchVerdicts(client *http.Client, baseURL, tenantID, jobID string) ([]VerdictRecord, error) {
	var all []VerdictRecord
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		u := fmt.Sprintf("%s/jobs/%s/verdicts?%s", baseURL, jobID, url.Values{
			"limit":  {fmt.Sprint(pageSize)},
			"offset": {fmt.Sprint(offset)},
		}.Encode())
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Tenant-ID", tenantID)
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		var page VerdictListResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, page.Verdicts...)
		if len(all) >= page.Total || len(page.Verdicts) == 0 {
			return all, nil
		}
	}
}

func compare(expected map[string]string, verdicts []VerdictRecord, verbose bool) *Metrics {
	metrics := &Metrics{
		TotalClaims: len(expected),
		Confusion:   make(map[string]map[string]int),
	}

	predicted := make(map[string]string, len(verdicts))
	for _, v := range verdicts {
		predicted[v.ClaimID] = v.ErrorType
	}

	for claimID, want := range expected {
		got, ok := predicted[claimID]
		if !ok {
			metrics.Missing++
			if verbose {
				fmt.Printf("✗ %-15s | expected: %-15s | no verdict\n", claimID, want)
			}
			continue
		}
		if metrics.Confusion[want] == nil {
			metrics.Confusion[want] = make(map[string]int)
		}
		metrics.Confusion[want][got]++
		if got == want {
			metrics.Correct++
		} else {
			metrics.Mismatched++
			if verbose {
				fmt.Printf("✗ %-15s | expected: %-15s | got: %s\n", claimID, want, got)
			}
		}
	}

	return metrics
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Labeled Claims:   %d\n", m.TotalClaims)
	fmt.Printf("   Correct:          %d\n", m.Correct)
	fmt.Printf("   Mismatched:       %d\n", m.Mismatched)
	fmt.Printf("   Missing Verdicts: %d\n", m.Missing)

	fmt.Printf("\n📈 CONFUSION (expected -> predicted)\n")
	for want, row := range m.Confusion {
		for got, count := range row {
			marker := " "
			if got != want {
				marker = "✗"
			}
			fmt.Printf("   %s %-18s -> %-18s %6d\n", marker, want, got, count)
		}
	}

	accuracy := float64(0)
	if m.TotalClaims > 0 {
		accuracy = float64(m.Correct) / float64(m.TotalClaims)
	}

	fmt.Printf("\n🎯 VALIDATION METRICS\n")
	fmt.Printf("   Accuracy:   %.4f  (verdict error type matched the label)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v  (upload through completed job)\n", duration.Round(time.Millisecond))
	if m.TotalClaims > 0 && duration > 0 {
		cps := float64(m.TotalClaims) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f claims/sec\n", cps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	switch {
	case accuracy >= 0.95:
		fmt.Println("   ✅ Excellent agreement with the labels")
	case accuracy >= 0.8:
		fmt.Println("   ⚠️  Good agreement - review the mismatched buckets")
	default:
		fmt.Println("   ❌ Poor agreement - check rule sets and column mapping")
	}

	fmt.Println()
}
