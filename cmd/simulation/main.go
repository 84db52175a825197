package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/auth"
	"github.com/ksred/interclear/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minObligations = 20
	maxObligations = 200
	numWorkers     = 5
	serverAddress  = "http://localhost:8080"
	openingBalance = "1000000"
)

var (
	banks      = []string{"BANK_ALPHA", "BANK_BRAVO", "BANK_CHARLIE", "BANK_DELTA", "BANK_ECHO"}
	currencies = []string{"USD", "EUR"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the clearing API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"account":   {name: "Create Account"},
			"submit":    {name: "Submit Obligation"},
			"window":    {name: "Get Window"},
			"close":     {name: "Force Close Window"},
			"process":   {name: "Process Window"},
			"positions": {name: "Get Positions"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(time.Since(start))
	if failed {
		rs.failures++
	}
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("auth", start, failed) }()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		failed = true
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		failed = true
		return "", err
	}

	return result.Data.Token, nil
}

// do performs an authenticated JSON request and decodes the standard
// response envelope into out (when out is non-nil).
func (sc *simulationClient) do(method, path string, payload any, headers map[string]string, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}

// createAccount registers one correspondent account with its opening balance
func (sc *simulationClient) createAccount(bankID, currency string) error {
	start := time.Now()
	failed := false
	defer func() { sc.record("account", start, failed) }()

	payload := map[string]any{
		"account_id":      fmt.Sprintf("ACC_%s_%s", bankID, currency),
		"bank_id":         bankID,
		"currency":        currency,
		"account_type":    "NOSTRO",
		"opening_balance": openingBalance,
	}
	if err := sc.do("POST", "/api/v1/operator/accounts", payload, nil, nil); err != nil {
		failed = true
		return err
	}
	return nil
}

// submitObligation submits one obligation with a fresh idempotency key
func (sc *simulationClient) submitObligation(ob *types.ObligationRequest) error {
	start := time.Now()
	failed := false
	defer func() { sc.record("submit", start, failed) }()

	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	if err := sc.do("POST", "/api/v1/obligations", ob, headers, nil); err != nil {
		failed = true
		return err
	}
	return nil
}

type windowView struct {
	WindowID          string  `json:"window_id"`
	Status            string  `json:"status"`
	ObligationsCount  int     `json:"obligations_count"`
	GrossValue        string  `json:"gross_value"`
	NetValue          string  `json:"net_value"`
	NettingEfficiency float64 `json:"netting_efficiency"`
	FailureReason     string  `json:"failure_reason,omitempty"`
}

func (sc *simulationClient) currentWindow() (*windowView, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("window", start, failed) }()

	var window windowView
	if err := sc.do("GET", "/api/v1/windows/current", nil, nil, &window); err != nil {
		failed = true
		return nil, err
	}
	return &window, nil
}

func (sc *simulationClient) forceCloseWindow(windowID string) error {
	start := time.Now()
	failed := false
	defer func() { sc.record("close", start, failed) }()

	if err := sc.do("POST", "/api/v1/operator/windows/"+windowID+"/close", nil, nil, nil); err != nil {
		failed = true
		return err
	}
	return nil
}

func (sc *simulationClient) processWindow(windowID string) (*windowView, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("process", start, failed) }()

	var window windowView
	if err := sc.do("POST", "/api/v1/operator/windows/"+windowID+"/process", nil, nil, &window); err != nil {
		failed = true
		return nil, err
	}
	return &window, nil
}

type positionView struct {
	BankID    string `json:"bank_id"`
	Currency  string `json:"currency"`
	NetAmount string `json:"net_amount"`
	Direction string `json:"direction"`
}

func (sc *simulationClient) windowPositions(windowID string) ([]positionView, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("positions", start, failed) }()

	var positions []positionView
	if err := sc.do("GET", "/api/v1/windows/"+windowID+"/positions", nil, nil, &positions); err != nil {
		failed = true
		return nil, err
	}
	return positions, nil
}

// randomObligation generates a random obligation between two distinct banks
func randomObligation() *types.ObligationRequest {
	payer := banks[rand.Intn(len(banks))]
	payee := banks[rand.Intn(len(banks))]
	for payee == payer {
		payee = banks[rand.Intn(len(banks))]
	}

	amount := decimal.NewFromInt(int64(rand.Intn(50000) + 100))
	return &types.ObligationRequest{
		PayerBankID: payer,
		PayeeBankID: payee,
		Currency:    currencies[rand.Intn(len(currencies))],
		Amount:      amount,
		Reference:   "SIM-" + uuid.New().String()[:8],
	}
}

// printStats prints the performance statistics for every route
func (sc *simulationClient) printStats() {
	fmt.Println("\n=== Simulation Statistics ===")
	for _, rs := range sc.stats {
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("\n%s (%d calls, %d failures)\n", rs.name, rs.totalCalls, rs.failures)
		fmt.Printf("  min: %v  max: %v  mean: %v\n", min, max, mean)
		fmt.Printf("  median: %v  p95: %v  p99: %v\n", median, p95, p99)
	}
}

// main runs a full clearing cycle against a locally running server:
// account setup, concurrent obligation intake, window close, netting
// and settlement.
func main() {
	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create simulation client")
	}

	// Accounts for every participant and the clearing house, per currency.
	for _, currency := range currencies {
		if err := sc.createAccount(types.ClearingBankID, currency); err != nil {
			log.Fatal().Err(err).Str("currency", currency).Msg("failed to create clearing house account")
		}
		for _, bank := range banks {
			if err := sc.createAccount(bank, currency); err != nil {
				log.Fatal().Err(err).Str("bank_id", bank).Msg("failed to create account")
			}
		}
	}
	log.Info().Int("accounts", (len(banks)+1)*len(currencies)).Msg("created correspondent accounts")

	window, err := sc.currentWindow()
	if err != nil {
		log.Fatal().Err(err).Msg("no open clearing window")
	}
	log.Info().Str("window_id", window.WindowID).Msg("submitting into window")

	// Concurrent obligation intake through a worker pool.
	total := rand.Intn(maxObligations-minObligations) + minObligations
	jobs := make(chan *types.ObligationRequest, total)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ob := range jobs {
				if err := sc.submitObligation(ob); err != nil {
					log.Error().Err(err).Msg("obligation submission failed")
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		jobs <- randomObligation()
	}
	close(jobs)
	wg.Wait()
	log.Info().Int("obligations", total).Msg("obligation intake complete")

	// Close the window and run netting plus settlement.
	if err := sc.forceCloseWindow(window.WindowID); err != nil {
		log.Fatal().Err(err).Msg("failed to close window")
	}

	processed, err := sc.processWindow(window.WindowID)
	if err != nil {
		log.Fatal().Err(err).Msg("window processing failed")
	}

	log.Info().
		Str("window_id", processed.WindowID).
		Str("status", processed.Status).
		Int("obligations", processed.ObligationsCount).
		Str("gross_value", processed.GrossValue).
		Str("net_value", processed.NetValue).
		Float64("netting_efficiency", processed.NettingEfficiency).
		Msg("window processed")

	positions, err := sc.windowPositions(window.WindowID)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch positions")
	} else {
		for _, pos := range positions {
			log.Info().
				Str("bank_id", pos.BankID).
				Str("currency", pos.Currency).
				Str("net_amount", pos.NetAmount).
				Str("direction", pos.Direction).
				Msg("net position")
		}
	}

	sc.printStats()
}
