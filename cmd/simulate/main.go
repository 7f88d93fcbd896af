package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/therapy-calendar/internal/api"
	"github.com/hackgods/therapy-calendar/internal/appointment"
	"github.com/hackgods/therapy-calendar/internal/config"
	"github.com/hackgods/therapy-calendar/internal/db"
	"github.com/hackgods/therapy-calendar/internal/dragdrop"
	"github.com/hackgods/therapy-calendar/internal/logging"
	"github.com/hackgods/therapy-calendar/internal/metrics"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	DragRatio      float64
	ResizeRatio    float64
	BookingRatio   float64
	MaxHovers      int
	TherapistLimit int
	PostgresDSN    string
}

// DataPool holds the therapists sessions are drawn from.
type DataPool struct {
	Therapists []appointment.Therapist
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
	Drag    OperationMetrics
	Resize  OperationMetrics
	Booking OperationMetrics
	List    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *api.Client
	logger  zerolog.Logger
	drags   *metrics.SchedulingMetrics
	reg     *prometheus.Registry
	metrics Metrics
	hovers  atomic.Int64
}

func main() {
	cfg, baseCfg := loadConfig()
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel).With().Str("service", "simulate").Logger()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("drag", cfg.DragRatio).
		Float64("resize", cfg.ResizeRatio).
		Float64("booking", cfg.BookingRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.Workers)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("therapists", len(dataPool.Therapists)).Msg("data pool loaded")

	reg := prometheus.NewRegistry()
	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: api.NewClient(cfg.APIBaseURL, &http.Client{Timeout: 10 * time.Second}),
		logger: logger,
		drags:  metrics.NewSchedulingMetrics(reg),
		reg:    reg,
	}

	if err := sim.Run(); err != nil {
		logger.Error().Err(err).Msg("simulation aborted")
	}
	sim.PrintReport()
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		logging.Bootstrap().Fatal().Err(err).Msg("failed to load base config")
	}

	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		DragRatio:      getFloat("SIM_DRAG_RATIO", 0.6),
		ResizeRatio:    getFloat("SIM_RESIZE_RATIO", 0.2),
		BookingRatio:   getFloat("SIM_BOOKING_RATIO", 0.2),
		MaxHovers:      getInt("SIM_MAX_HOVERS", 4),
		TherapistLimit: getInt("SIM_THERAPIST_LIMIT", 200),
		PostgresDSN:    baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.DragRatio + cfg.ResizeRatio + cfg.BookingRatio
	if total > 0 {
		cfg.DragRatio /= total
		cfg.ResizeRatio /= total
		cfg.BookingRatio /= total
	}

	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.MaxHovers <= 0 {
		return fmt.Errorf("SIM_MAX_HOVERS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM therapists ORDER BY created_at LIMIT $1`, cfg.TherapistLimit)
	if err != nil {
		return nil, fmt.Errorf("load therapists: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	repo := appointment.NewPgRepository(pool)
	dataPool := &DataPool{}
	for _, id := range ids {
		t, err := repo.GetTherapistByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load therapist %s: %w", id, err)
		}
		dataPool.Therapists = append(dataPool.Therapists, *t)
	}

	if len(dataPool.Therapists) == 0 {
		return nil, errors.New("no therapists loaded, run seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return s.worker(gctx, workerID)
		})
	}

	err := g.Wait()
	s.logger.Info().Msg("simulation complete")
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		therapist := s.pool.Therapists[rng.Intn(len(s.pool.Therapists))]
		day := nextWorkday(time.Now(), rng.Intn(5))

		r := rng.Float64()
		switch {
		case r < s.config.DragRatio:
			s.doDrag(ctx, rng, therapist, day, dragdrop.DragMove)
		case r < s.config.DragRatio+s.config.ResizeRatio:
			s.doDrag(ctx, rng, therapist, day, dragdrop.DragResize)
		default:
			s.doBooking(ctx, rng, therapist, day)
		}
	}
}

// loadDay lists the therapist's bookings for one calendar day.
func (s *Simulator) loadDay(ctx context.Context, therapistID uuid.UUID, day time.Time) ([]appointment.Appointment, bool) {
	start := time.Now()
	list, err := s.client.ListTherapistAppointments(ctx, therapistID, day, day.AddDate(0, 0, 1))
	if ctx.Err() != nil {
		return nil, false
	}
	s.metrics.List.Record(time.Since(start), err == nil, false)
	if err != nil {
		s.logger.Debug().Err(err).Msg("list appointments failed")
		return nil, false
	}
	return list, true
}

// doDrag plays one drag session: pick a block, hover over a few slots, drop.
func (s *Simulator) doDrag(ctx context.Context, rng *rand.Rand, therapist appointment.Therapist, day time.Time, dragType dragdrop.DragType) {
	booked, ok := s.loadDay(ctx, therapist.ID, day)
	if !ok {
		return
	}

	var movable []appointment.Appointment
	for _, a := range booked {
		if a.Status == appointment.StatusCancelled || a.Status == appointment.StatusCompleted {
			continue
		}
		if (dragType == dragdrop.DragMove && a.CanDrag()) || (dragType == dragdrop.DragResize && a.CanResize()) {
			movable = append(movable, a)
		}
	}
	if len(movable) == 0 {
		return
	}

	target := movable[rng.Intn(len(movable))]
	grid := dragdrop.DefaultGrid(day)
	slots := grid.Slots(therapist, booked)

	coord := dragdrop.NewCoordinator(dragdrop.Options{
		Checker:      s.client,
		Committer:    s.client,
		CheckTimeout: 2 * time.Second,
		Logger:       s.logger,
		Metrics:      s.drags,
	})

	start := time.Now()
	if err := coord.StartDrag(target, dragType, grid.Position(target)); err != nil {
		s.logger.Debug().Err(err).Msg("start drag refused")
		return
	}

	hovers := 1 + rng.Intn(s.config.MaxHovers)
	for i := 0; i < hovers; i++ {
		slot := slots[rng.Intn(len(slots))]
		if dragType == dragdrop.DragResize {
			// Pointer must stay below the block's start.
			if !slot.Time.After(target.StartTime) {
				slot.Time = target.EndTime.Add(time.Duration(15*rng.Intn(4)) * time.Minute)
			}
		}
		coord.Hover(ctx, slot)
		s.hovers.Add(1)
		time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
	}

	res := coord.Drop(ctx)
	if ctx.Err() != nil {
		return
	}

	om := &s.metrics.Drag
	if dragType == dragdrop.DragResize {
		om = &s.metrics.Resize
	}
	om.Record(time.Since(start), res.Committed(), res.Outcome == dragdrop.OutcomeRolledBack && res.Err == nil)
	if res.Err != nil {
		s.logger.Debug().Err(res.Err).Str("appointment_id", target.ID.String()).Msg("drop failed")
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, therapist appointment.Therapist, day time.Time) {
	hours, ok := therapist.WorkingHours[day.Weekday()]
	if !ok || len(therapist.ServiceIDs) == 0 {
		return
	}

	quarterHours := (hours.End - hours.Start) / 15
	startAt := day.Add(time.Duration(hours.Start+15*rng.Intn(quarterHours)) * time.Minute)
	a := appointment.Appointment{
		Title:       "Simulated session",
		TherapistID: therapist.ID,
		ClientID:    uuid.New(),
		ServiceID:   therapist.ServiceIDs[rng.Intn(len(therapist.ServiceIDs))],
		ClientName:  "Sim Client",
		StartTime:   startAt,
		CreatedBy:   appointment.CreatedByTherapist,
	}

	start := time.Now()
	_, err := s.client.CreateAppointment(ctx, a, false)
	if ctx.Err() != nil {
		return
	}

	var apiErr *api.APIError
	rejected := errors.As(err, &apiErr) && apiErr.Rejected()
	s.metrics.Booking.Record(time.Since(start), err == nil, rejected)
}

func nextWorkday(now time.Time, skip int) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for n := 0; n <= skip; {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			n++
		}
	}
	return day
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hovers: %d\n", s.hovers.Load())
	fmt.Println()

	printOperationReport("Drag (move)", &s.metrics.Drag)
	printOperationReport("Drag (resize)", &s.metrics.Resize)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("List day", &s.metrics.List)

	printDragOutcomes(s.reg)
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
		fmt.Printf("  Rolled back: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// printDragOutcomes dumps the coordinator's outcome counter.
func printDragOutcomes(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		return
	}
	for _, mf := range families {
		if !strings.HasSuffix(mf.GetName(), "dragdrop_outcomes_total") {
			continue
		}
		fmt.Println("Drop outcomes:")
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				fmt.Printf("  %s: %.0f\n", l.GetValue(), m.GetCounter().GetValue())
			}
		}
		fmt.Println()
	}
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
