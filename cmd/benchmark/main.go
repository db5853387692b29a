package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/auth"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/shopspring/decimal"
)

// Config holds the benchmark settings
var (
	targetURL     string
	campaignID    string
	concurrency   int
	duration      time.Duration
	users         int
	amount        string
	replayRate    float64
	jwtSecret     string
	webhookSecret string
)

// Metrics
var (
	totalRequests uint64
	created201    uint64
	replay200     uint64
	capacity422   uint64
	state409      uint64
	confirmed     uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&campaignID, "campaign", "", "Campaign id printed by the seeder")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.IntVar(&users, "users", 500, "Number of seeded contributors")
	flag.StringVar(&amount, "amount", "1000", "Contribution amount")
	flag.Float64Var(&replayRate, "replay", 0.1, "Fraction of requests that resend an earlier key")
	flag.StringVar(&jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	flag.StringVar(&webhookSecret, "webhook-secret", os.Getenv("PAYMENT_SECRET_KEY"), "Webhook signing secret")
}

func main() {
	flag.Parse()
	if campaignID == "" || jwtSecret == "" || webhookSecret == "" {
		log.Fatal("-campaign, -jwt-secret and -webhook-secret are required")
	}
	log.Printf("Starting Benchmark: campaign %s | Workers: %d | Duration: %s", campaignID, concurrency, duration)

	tokens := make([]string, users)
	for i := range tokens {
		t, err := auth.Issue(jwtSecret, fmt.Sprintf("bench-user-%04d", i), "", "", duration+time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		tokens[i] = t
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, tokens []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	minor := gateway.ToMinorUnits(decimal.RequireFromString(amount))

	var lastKey, lastToken string
	for time.Since(start) < duration {
		// Hot campaign: every worker hits the same row. Some requests resend the
		// previous key to exercise idempotent replay.
		key, token := uuid.NewString(), tokens[rand.Intn(len(tokens))]
		if lastKey != "" && rand.Float64() < replayRate {
			key, token = lastKey, lastToken
		}
		lastKey, lastToken = key, token

		body, _ := json.Marshal(map[string]string{"amount": amount})
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/campaigns/"+campaignID+"/contributions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&created201, 1)
			if confirm(client, key, minor) {
				atomic.AddUint64(&confirmed, 1)
			}
		case 200:
			atomic.AddUint64(&replay200, 1)
		case 422:
			atomic.AddUint64(&capacity422, 1)
		case 409:
			atomic.AddUint64(&state409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// confirm plays the gateway: it posts a signed charge.success for reference.
func confirm(client *http.Client, reference string, minor int64) bool {
	payload, _ := json.Marshal(map[string]interface{}{
		"event": gateway.KindChargeSuccess,
		"data": map[string]interface{}{
			"reference": reference,
			"amount":    minor,
			"currency":  "NGN",
			"metadata":  gateway.Metadata{Purpose: gateway.PurposeContribution, CampaignID: campaignID},
		},
	})
	req, _ := http.NewRequest("POST", targetURL+"/webhooks/payments", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(webhookSecret, payload))

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&created201)
	s200 := atomic.LoadUint64(&replay200)
	f422 := atomic.LoadUint64(&capacity422)
	f409 := atomic.LoadUint64(&state409)
	conf := atomic.LoadUint64(&confirmed)
	fErr := atomic.LoadUint64(&failOther)

	tps := 0.0
	if d > 0 {
		tps = float64(total) / d.Seconds()
	}

	results := map[string]interface{}{
		"campaign_id":        campaignID,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     tps,
		"initiated":          s201,
		"replayed":           s200,
		"rejected_capacity":  f422,
		"rejected_state":     f409,
		"webhooks_delivered": conf,
		"errors":             fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", campaignID)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
