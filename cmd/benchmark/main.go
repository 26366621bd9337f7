// Benchmark tool for replaying labelled transaction data against Kestrel.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// The CSV needs a header row; recognized columns are customer_id, type,
// jurisdiction, amount, currency, is_pep, sanctions_hit, originator_country,
// beneficiary_country, and (optionally) expected_alert with the label
// LOW/MEDIUM/HIGH/CRITICAL. The tool:
//
//  1. Posts each row to POST /assess
//  2. Collects the alert level distribution and latency profile
//  3. When expected_alert labels are present, reports how often the
//     pipeline's verdict matched or exceeded the label
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type labelledTransaction struct {
	CustomerID         string
	Type               string
	Jurisdiction       string
	Amount             float64
	Currency           string
	IsPEP              bool
	SanctionsHit       bool
	OriginatorCountry  string
	BeneficiaryCountry string
	ExpectedAlert      string
}

type assessRequest struct {
	CustomerID         string  `json:"customerId"`
	Type               string  `json:"type"`
	Jurisdiction       string  `json:"jurisdiction"`
	Amount             float64 `json:"amount"`
	Currency           string  `json:"currency"`
	CustomerIsPEP      bool    `json:"customerIsPep,omitempty"`
	SanctionsHit       bool    `json:"sanctionsHit,omitempty"`
	OriginatorCountry  string  `json:"originatorCountry,omitempty"`
	BeneficiaryCountry string  `json:"beneficiaryCountry,omitempty"`
	Timestamp          string  `json:"timestamp"`
}

type assessResponse struct {
	TransactionID string  `json:"transactionId"`
	RiskScore     float64 `json:"riskScore"`
	AlertLevel    string  `json:"alertLevel"`
}

type metrics struct {
	TotalProcessed int64
	TotalErrors    int64

	Low      int64
	Medium   int64
	High     int64
	Critical int64

	LabelMatches   int64
	LabelMisses    int64
	TotalLatencyMs int64
}

var alertRank = map[string]int{"LOW": 0, "MEDIUM": 1, "HIGH": 2, "CRITICAL": 3}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled transactions CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each assessment result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Kestrel benchmark - labelled transaction replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n\n", *limit)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	transactions, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	m := runBenchmark(transactions, *baseURL, *workers, *verbose)
	printResults(m, time.Since(start))
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

func readCSV(path string, limit int) ([]labelledTransaction, error) {
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

	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var transactions []labelledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, _ := strconv.ParseFloat(field(record, "amount"), 64)

		tx := labelledTransaction{
			CustomerID:         field(record, "customer_id"),
			Type:               field(record, "type"),
			Jurisdiction:       field(record, "jurisdiction"),
			Amount:             amount,
			Currency:           field(record, "currency"),
			IsPEP:              field(record, "is_pep") == "1",
			SanctionsHit:       field(record, "sanctions_hit") == "1",
			OriginatorCountry:  field(record, "originator_country"),
			BeneficiaryCountry: field(record, "beneficiary_country"),
			ExpectedAlert:      strings.ToUpper(field(record, "expected_alert")),
		}
		if tx.CustomerID == "" {
			continue
		}

		transactions = append(transactions, tx)
		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []labelledTransaction, baseURL string, numWorkers int, verbose bool) *metrics {
	m := &metrics{}

	work := make(chan labelledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := assessTransaction(client, baseURL, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&m.TotalLatencyMs, elapsed)
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.CustomerID, err)
					}
					continue
				}

				switch result.AlertLevel {
				case "LOW":
					atomic.AddInt64(&m.Low, 1)
				case "MEDIUM":
					atomic.AddInt64(&m.Medium, 1)
				case "HIGH":
					atomic.AddInt64(&m.High, 1)
				case "CRITICAL":
					atomic.AddInt64(&m.Critical, 1)
				}

				if tx.ExpectedAlert != "" {
					if alertRank[result.AlertLevel] >= alertRank[tx.ExpectedAlert] {
						atomic.AddInt64(&m.LabelMatches, 1)
					} else {
						atomic.AddInt64(&m.LabelMisses, 1)
					}
				}

				if verbose {
					fmt.Printf("%-16s | %-3s | %12.2f %s | %-8s (%.1f) | expected %s\n",
						tx.CustomerID, tx.Jurisdiction, tx.Amount, tx.Currency,
						result.AlertLevel, result.RiskScore, tx.ExpectedAlert)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()
	return m
}

func assessTransaction(client *http.Client, baseURL string, tx labelledTransaction) (*assessResponse, error) {
	req := assessRequest{
		CustomerID:         tx.CustomerID,
		Type:               tx.Type,
		Jurisdiction:       tx.Jurisdiction,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		CustomerIsPEP:      tx.IsPEP,
		SanctionsHit:       tx.SanctionsHit,
		OriginatorCountry:  tx.OriginatorCountry,
		BeneficiaryCountry: tx.BeneficiaryCountry,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assess", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result assessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println("\n=== BENCHMARK RESULTS ===")

	fmt.Printf("\nPROCESSED\n")
	fmt.Printf("   Total:    %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:   %d\n", m.TotalErrors)

	fmt.Printf("\nALERT DISTRIBUTION\n")
	fmt.Printf("   LOW:      %d\n", m.Low)
	fmt.Printf("   MEDIUM:   %d\n", m.Medium)
	fmt.Printf("   HIGH:     %d\n", m.High)
	fmt.Printf("   CRITICAL: %d\n", m.Critical)

	labelled := m.LabelMatches + m.LabelMisses
	if labelled > 0 {
		fmt.Printf("\nLABEL AGREEMENT\n")
		fmt.Printf("   Matched or exceeded: %d / %d (%.2f%%)\n",
			m.LabelMatches, labelled, 100*float64(m.LabelMatches)/float64(labelled))
		fmt.Printf("   Under-alerted:       %d / %d (%.2f%%)\n",
			m.LabelMisses, labelled, 100*float64(m.LabelMisses)/float64(labelled))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration: %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.TotalLatencyMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:    %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:     %.2f tx/sec\n", tps)
	}
	fmt.Println()
}
