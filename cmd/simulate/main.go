package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	ReadRatio    float64
	Days         int // how many open days ahead to target
	HotSlots     int // bookings are spread over this many (date, time) pairs
	Patients     int
}

type slotRef struct {
	Date string
	Time string
}

type patientRef struct {
	Name  string
	Phone string
}

type DataPool struct {
	Dates    []string
	Slots    []slotRef
	Patients []patientRef

	mu           sync.RWMutex
	appointments []uuid.UUID // Thread-safe list of created appointment IDs
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking   OperationMetrics
	Confirm   OperationMetrics
	ReadByID  OperationMetrics
	ListByDay OperationMetrics
	Dashboard OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *logging.Logger
	metrics Metrics
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(getEnv("LOG_LEVEL", "info")).With("service", "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("simulator starting",
		"base_url", cfg.APIBaseURL, "duration", cfg.Duration.String(), "workers", cfg.Workers,
		"booking", cfg.BookingRatio, "confirm", cfg.ConfirmRatio, "read", cfg.ReadRatio)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := sim.loadDataPool(ctx)
	cancel()
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	sim.pool = pool
	logger.Info("loaded", "dates", len(pool.Dates), "hot_slots", len(pool.Slots), "patients", len(pool.Patients))

	// Run simulation
	sim.Run()

	// Print report
	sim.PrintReport()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	violations, err := sim.CheckExclusivity(ctx)
	if err != nil {
		logger.Error("exclusivity check failed", "error", err)
		os.Exit(1)
	}
	if violations > 0 {
		fmt.Printf("EXCLUSIVITY VIOLATED: %d slots hold more than one active appointment\n", violations)
		os.Exit(2)
	}
	fmt.Println("Exclusivity: ok, no slot holds more than one active appointment")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		Days:         getInt("SIM_DAYS", 3),
		HotSlots:     getInt("SIM_HOT_SLOTS", 6),
		Patients:     getInt("SIM_PATIENTS", 200),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 || cfg.HotSlots <= 0 || cfg.Patients <= 0 {
		return fmt.Errorf("SIM_DAYS, SIM_HOT_SLOTS and SIM_PATIENTS must be > 0")
	}
	return nil
}

type slotsResponse struct {
	Date  string `json:"date"`
	Open  bool   `json:"open"`
	Slots []struct {
		Start string `json:"start"`
	} `json:"slots"`
}

// loadDataPool asks the API for the next open days and their free slots,
// then narrows them to a small hot set so bookings collide.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	pool := &DataPool{}
	day := time.Now()

	for i := 0; len(pool.Dates) < s.config.Days && i < 30; i++ {
		date := day.AddDate(0, 0, i).Format("2006-01-02")
		var resp slotsResponse
		if err := s.getJSON(ctx, "/slots?date="+date, &resp); err != nil {
			return nil, fmt.Errorf("load slots for %s: %w", date, err)
		}
		if !resp.Open || len(resp.Slots) == 0 {
			continue
		}
		pool.Dates = append(pool.Dates, date)
		for _, slot := range resp.Slots {
			pool.Slots = append(pool.Slots, slotRef{Date: date, Time: slot.Start})
		}
	}

	if len(pool.Slots) == 0 {
		return nil, fmt.Errorf("no free slots in the next 30 days")
	}

	rand.Shuffle(len(pool.Slots), func(i, j int) { pool.Slots[i], pool.Slots[j] = pool.Slots[j], pool.Slots[i] })
	if len(pool.Slots) > s.config.HotSlots {
		pool.Slots = pool.Slots[:s.config.HotSlots]
	}

	gofakeit.Seed(time.Now().UnixNano())
	for i := 0; i < s.config.Patients; i++ {
		pool.Patients = append(pool.Patients, patientRef{
			Name:  gofakeit.Name(),
			Phone: fmt.Sprintf("555-%03d-%04d", i/10000, i%10000),
		})
	}

	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", "duration", s.config.Duration.String(), "workers", s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Select operation based on ratios
			r := rng.Float64()
			if r < s.config.BookingRatio {
				s.doBooking(ctx, rng)
			} else if r < s.config.BookingRatio+s.config.ConfirmRatio {
				s.doConfirm(ctx, rng)
			} else {
				// Read operations - distribute evenly
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doListByDay(ctx, rng)
				case 2:
					s.doDashboard(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	body, _ := json.Marshal(map[string]string{
		"date":         slot.Date,
		"time":         slot.Time,
		"full_name":    patient.Name,
		"phone":        patient.Phone,
		"service_code": "checkup",
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var appt struct {
				ID uuid.UUID `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &appt) == nil && appt.ID != uuid.Nil {
				s.pool.AddAppointment(appt.ID)
			}
		case http.StatusConflict, http.StatusTooManyRequests:
			conflict = true
		}
	}
	if ctx.Err() != nil {
		return
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/confirm", s.config.APIBaseURL, apptID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}
	if ctx.Err() != nil {
		return
	}

	s.metrics.Confirm.Record(latency, success, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.timedGet(ctx, &s.metrics.ReadByID, fmt.Sprintf("/appointments/%s", apptID))
}

func (s *Simulator) doListByDay(ctx context.Context, rng *rand.Rand) {
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]
	s.timedGet(ctx, &s.metrics.ListByDay, "/appointments?date="+date)
}

func (s *Simulator) doDashboard(ctx context.Context, rng *rand.Rand) {
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]
	s.timedGet(ctx, &s.metrics.Dashboard, "/dashboard?date="+date)
}

func (s *Simulator) timedGet(ctx context.Context, om *OperationMetrics, path string) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	if ctx.Err() != nil {
		return
	}

	om.Record(latency, success, false)
}

func (s *Simulator) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// CheckExclusivity re-reads every simulated day and counts (date, time)
// pairs held by more than one non-cancelled appointment.
func (s *Simulator) CheckExclusivity(ctx context.Context) (int, error) {
	violations := 0
	for _, date := range s.pool.Dates {
		var list struct {
			Appointments []struct {
				Time   string `json:"time"`
				Status string `json:"status"`
			} `json:"appointments"`
		}
		if err := s.getJSON(ctx, "/appointments?date="+date, &list); err != nil {
			return 0, err
		}

		active := make(map[string]int)
		for _, a := range list.Appointments {
			if a.Status != "cancelled" {
				active[a.Time]++
			}
		}
		for slot, n := range active {
			if n > 1 {
				s.logger.Error("slot double booked", "date", date, "time", slot, "active", n)
				violations++
			}
		}
	}
	return violations, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hot slots: %d across %d days\n", len(s.pool.Slots), len(s.pool.Dates))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Day", &s.metrics.ListByDay)
	printOperationReport("Dashboard", &s.metrics.Dashboard)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
