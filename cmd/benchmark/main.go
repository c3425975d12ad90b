// Benchmark tool that replays a claims CSV through a running claimdesk.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/claims.csv -url http://localhost:8080 -token $TOKEN
//
// This tool:
//  1. Reads claim rows (claim_id, hospital_id, patient_id, procedure_code,
//     package_rate, claim_amount, admission_date, discharge_date, is_inpatient)
//  2. Opens an operator session and submits each claim through an intake form
//  3. Tallies submission outcomes, threat classes and review priorities
//  4. When the CSV carries an is_fraud column, compares HIGH/CRITICAL
//     verdicts with the labels and prints a confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/claimdesk/internal/derive"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/submission"
)

// LabeledClaim is a claim row with its optional fraud label.
type LabeledClaim struct {
	Claim    domain.ClaimIntake
	Labeled  bool
	IsFraud  bool
	RowIndex int
}

// Results tracks benchmark outcomes.
type Results struct {
	TruePositives  int64 // Fraud classed HIGH or CRITICAL
	FalsePositives int64 // Legitimate claim classed HIGH or CRITICAL
	TrueNegatives  int64 // Legitimate claim classed LOW or MEDIUM
	FalseNegatives int64 // Fraud classed LOW or MEDIUM

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu         sync.Mutex
	states     map[submission.State]int
	threats    map[domain.ThreatLevel]int
	priorities map[derive.Priority]int
}

func (r *Results) record(snap submission.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[snap.State]++
	if snap.Payload != nil {
		v := derive.Derive(snap.Payload)
		r.threats[v.ThreatClass]++
		r.priorities[v.PriorityLabel]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to claims CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "claimdesk base URL")
	token := flag.String("token", "", "Scoring service token for the operator session")
	limit := flag.Int("limit", 1000, "Maximum claims to submit (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each claim result")
	flag.Parse()

	if *csvPath == "" || *token == "" {
		fmt.Println("Usage: benchmark -csv /path/to/claims.csv -token TOKEN [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|            CLAIMDESK BENCHMARK - Claim Replay                 |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: claimdesk not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure claimdesk is running:")
		fmt.Println("  go run ./cmd/claimdesk")
		os.Exit(1)
	}
	fmt.Println("OK claimdesk is healthy")

	fmt.Printf("\nReading claims from %s...\n", *csvPath)
	claims, err := readClaimsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK loaded %d claims\n", len(claims))

	client := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := openSession(client, *baseURL, *token)
	if err != nil {
		fmt.Printf("ERROR: Failed to open session: %v\n", err)
		os.Exit(1)
	}
	defer closeSession(client, *baseURL, sessionID)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	results := runBenchmark(client, claims, *baseURL, sessionID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(results, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readClaimsCSV(path string, limit int) ([]LabeledClaim, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"claim_id", "hospital_id", "patient_id", "procedure_code", "claim_amount", "admission_date", "discharge_date"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	_, labeled := colIndex["is_fraud"]

	var claims []LabeledClaim
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			continue // Skip malformed rows
		}

		packageRate, _ := strconv.ParseFloat(field(record, "package_rate"), 64)
		amount, _ := strconv.ParseFloat(field(record, "claim_amount"), 64)
		inpatient, _ := strconv.Atoi(field(record, "is_inpatient"))

		claims = append(claims, LabeledClaim{
			Claim: domain.ClaimIntake{
				ClaimID:       field(record, "claim_id"),
				HospitalID:    field(record, "hospital_id"),
				PatientID:     field(record, "patient_id"),
				ProcedureCode: field(record, "procedure_code"),
				PackageRate:   packageRate,
				ClaimAmount:   amount,
				AdmissionDate: field(record, "admission_date"),
				DischargeDate: field(record, "discharge_date"),
				IsInpatient:   inpatient,
			},
			Labeled:  labeled,
			IsFraud:  field(record, "is_fraud") == "1" || strings.EqualFold(field(record, "is_fraud"), "true"),
			RowIndex: row,
		})

		if limit > 0 && len(claims) >= limit {
			break
		}
	}

	return claims, nil
}

func runBenchmark(client *http.Client, claims []LabeledClaim, baseURL, sessionID string, numWorkers int, verbose bool) *Results {
	results := &Results{
		states:     make(map[submission.State]int),
		threats:    make(map[domain.ThreatLevel]int),
		priorities: make(map[derive.Priority]int),
	}

	work := make(chan LabeledClaim, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for c := range work {
				start := time.Now()
				snap, err := submitClaim(client, baseURL, sessionID, c.Claim)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&results.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&results.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&results.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: row %d %s -> %v\n", c.RowIndex, c.Claim.ClaimID, err)
					}
					continue
				}
				results.record(snap)

				if snap.Payload == nil {
					if verbose {
						fmt.Printf("-  %-12s | %-18s | %s\n", c.Claim.ClaimID, snap.State, snap.Message)
					}
					continue
				}

				v := derive.Derive(snap.Payload)
				predicted := v.IsSevere
				if c.Labeled {
					switch {
					case predicted && c.IsFraud:
						atomic.AddInt64(&results.TruePositives, 1)
					case predicted && !c.IsFraud:
						atomic.AddInt64(&results.FalsePositives, 1)
					case !predicted && !c.IsFraud:
						atomic.AddInt64(&results.TrueNegatives, 1)
					default:
						atomic.AddInt64(&results.FalseNegatives, 1)
					}
				}

				if verbose {
					mark := " "
					if c.Labeled && predicted != c.IsFraud {
						mark = "x"
					}
					fmt.Printf("%s  %-12s | %-8s | idx %3d | %-12s | %s\n",
						mark,
						c.Claim.ClaimID,
						v.ThreatClass,
						v.CompositeIndex,
						v.PriorityLabel,
						v.PatternTitle,
					)
				}
			}
		}()
	}

	for _, c := range claims {
		work <- c
	}
	close(work)

	wg.Wait()

	return results
}

func openSession(client *http.Client, baseURL, token string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := call(client, http.MethodPost, baseURL+"/sessions", "", map[string]string{"token": token}, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func closeSession(client *http.Client, baseURL, sessionID string) {
	call(client, http.MethodDelete, baseURL+"/sessions/"+sessionID, "", nil, http.StatusOK, nil)
}

// submitClaim opens a fresh intake form and submits claim through it.
func submitClaim(client *http.Client, baseURL, sessionID string, claim domain.ClaimIntake) (submission.Snapshot, error) {
	var form submission.Snapshot
	if err := call(client, http.MethodPost, baseURL+"/forms", sessionID, nil, http.StatusCreated, &form); err != nil {
		return form, fmt.Errorf("open form: %w", err)
	}

	var snap submission.Snapshot
	if err := call(client, http.MethodPost, baseURL+"/forms/"+form.FormID+"/submit", sessionID, claim, http.StatusOK, &snap); err != nil {
		return snap, fmt.Errorf("submit: %w", err)
	}
	return snap, nil
}

func call(client *http.Client, method, url, sessionID string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func printCounts[K ~string](title string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	fmt.Printf("\n%s\n", title)
	for _, k := range keys {
		fmt.Printf("   %-20s %d\n", k, counts[K(k)])
	}
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", r.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", r.TotalErrors)

	printCounts("SUBMISSION OUTCOMES", r.states)
	printCounts("THREAT CLASSES", r.threats)
	printCounts("REVIEW PRIORITIES", r.priorities)

	labeled := r.TruePositives + r.TrueNegatives + r.FalsePositives + r.FalseNegatives
	if labeled > 0 {
		fmt.Printf("\nCONFUSION MATRIX (severe = HIGH or CRITICAL)\n")
		fmt.Println("                      Predicted")
		fmt.Println("                  SEVERE     OTHER")
		fmt.Printf("   Actual  F   %8d  %8d   (TP, FN)\n", r.TruePositives, r.FalseNegatives)
		fmt.Printf("          NF   %8d  %8d   (FP, TN)\n", r.FalsePositives, r.TrueNegatives)

		precision := float64(0)
		if r.TruePositives+r.FalsePositives > 0 {
			precision = float64(r.TruePositives) / float64(r.TruePositives+r.FalsePositives)
		}
		recall := float64(0)
		if r.TruePositives+r.FalseNegatives > 0 {
			recall = float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
		}
		f1 := float64(0)
		if precision+recall > 0 {
			f1 = 2 * (precision * recall) / (precision + recall)
		}
		accuracy := float64(r.TruePositives+r.TrueNegatives) / float64(labeled)

		fmt.Printf("\nDETECTION METRICS\n")
		fmt.Printf("   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
		fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if r.TotalProcessed > 0 {
		avgMs := float64(r.ProcessingTimeMs) / float64(r.TotalProcessed)
		tps := float64(r.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f claims/sec\n", tps)
	}

	fmt.Println()
}
