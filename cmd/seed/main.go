package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-calendar/internal/appointment"
	"github.com/hackgods/therapy-calendar/internal/config"
	"github.com/hackgods/therapy-calendar/internal/db"
	"github.com/hackgods/therapy-calendar/internal/logging"
	redisclient "github.com/hackgods/therapy-calendar/internal/redis"
)

type serviceSeed struct {
	name     string
	category string
	minutes  int
}

var catalogue = []serviceSeed{
	{"Initial Assessment", "Assessment", 90},
	{"Individual Therapy", "Therapy", 50},
	{"Couples Therapy", "Therapy", 60},
	{"CBT Session", "Therapy", 45},
	{"Follow-up Check-in", "Review", 30},
	{"Group Session", "Group", 90},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap().Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	faker := gofakeit.New(0)
	therapistCount := getInt("SEED_THERAPISTS", 20)
	perTherapist := getInt("SEED_APPOINTMENTS_PER_THERAPIST", 15)

	services, err := seedServices(ctx, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed services")
	}
	therapists, err := seedTherapists(ctx, pool, faker, services, therapistCount, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed therapists")
	}

	svc := appointment.NewService(appointment.NewPgRepository(pool), redisclient.NoopLocker{}, cfg, nil, logger)

	if err := seedAppointments(ctx, svc, faker, therapists, perTherapist, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed appointments")
	}
	if err := seedSeries(ctx, svc, faker, therapists[0], logger); err != nil {
		logger.Fatal().Err(err).Msg("seed recurring series")
	}

	logger.Info().Msg("seed complete")
}

func seedServices(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) ([]appointment.Offering, error) {
	logger.Info().Int("count", len(catalogue)).Msg("seeding services")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := make([]appointment.Offering, 0, len(catalogue))
	for _, c := range catalogue {
		s := appointment.Offering{
			ID:         uuid.New(),
			Name:       c.name,
			Duration:   c.minutes,
			PriceCents: int64(c.minutes) * 200,
			Category:   c.category,
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO services (id, name, duration_minutes, price_cents, category, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, s.ID, s.Name, s.Duration, s.PriceCents, s.Category)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func seedTherapists(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, services []appointment.Offering, count int, logger zerolog.Logger) ([]appointment.Therapist, error) {
	logger.Info().Int("count", count).Msg("seeding therapists")

	const batchSize = 500
	out := make([]appointment.Therapist, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			t := fakeTherapist(faker, services)
			hours, err := json.Marshal(t.WorkingHours)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO therapists (id, name, working_hours, service_ids, allow_patient_booking, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, t.ID, t.Name, hours, t.ServiceIDs, t.AllowPatientBooking)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			out = append(out, t)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		logger.Info().Msgf("therapists seeded: %d/%d", end, count)
	}

	return out, nil
}

// fakeTherapist works weekdays, starting between 08:00 and 10:00 for eight
// hours with a one hour lunch break.
func fakeTherapist(faker *gofakeit.Faker, services []appointment.Offering) appointment.Therapist {
	open := faker.Number(8, 10) * 60
	lunch := open + 4*60
	day := appointment.DayHours{
		ClockRange: appointment.ClockRange{Start: open, End: open + 8*60},
		Breaks:     []appointment.ClockRange{{Start: lunch, End: lunch + 60}},
	}

	hours := appointment.WorkingHours{}
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours[wd] = day
	}

	var offered []uuid.UUID
	for _, s := range services {
		if faker.Bool() {
			offered = append(offered, s.ID)
		}
	}
	if len(offered) == 0 {
		offered = append(offered, services[0].ID)
	}

	return appointment.Therapist{
		ID:                  uuid.New(),
		Name:                "Dr. " + faker.LastName(),
		WorkingHours:        hours,
		ServiceIDs:          offered,
		AllowPatientBooking: faker.Bool(),
	}
}

func seedAppointments(ctx context.Context, svc *appointment.Service, faker *gofakeit.Faker, therapists []appointment.Therapist, perTherapist int, logger zerolog.Logger) error {
	logger.Info().Int("therapists", len(therapists)).Int("per_therapist", perTherapist).Msg("seeding appointments")

	monday := nextMonday(time.Now())
	created, skipped := 0, 0

	for _, t := range therapists {
		for i := 0; i < perTherapist; i++ {
			a := fakeAppointment(faker, t, monday)

			_, _, err := svc.CreateAppointment(ctx, a, appointment.CreateOptions{})
			var conflict *appointment.ConflictError
			var invalid *appointment.ValidationError
			switch {
			case err == nil:
				created++
			case errors.As(err, &conflict), errors.As(err, &invalid):
				skipped++
			default:
				return fmt.Errorf("create appointment for %s: %w", t.ID, err)
			}
		}
	}

	logger.Info().Int("created", created).Int("skipped", skipped).Msg("appointments seeded")
	return nil
}

// fakeAppointment picks a quarter-hour start on a weekday of the week
// starting at monday, inside the therapist's hours.
func fakeAppointment(faker *gofakeit.Faker, t appointment.Therapist, monday time.Time) appointment.Appointment {
	day := monday.AddDate(0, 0, faker.Number(0, 4))
	hours := t.WorkingHours[day.Weekday()]
	serviceID := t.ServiceIDs[faker.Number(0, len(t.ServiceIDs)-1)]

	slots := (hours.End - hours.Start) / 15
	start := day.Add(time.Duration(hours.Start+15*faker.Number(0, slots-1)) * time.Minute)

	a := appointment.Appointment{
		Title:       faker.RandomString([]string{"Session", "Follow-up", "Intake", "Review"}),
		TherapistID: t.ID,
		ClientID:    uuid.New(),
		ServiceID:   serviceID,
		ClientName:  faker.Name(),
		ClientEmail: faker.Email(),
		StartTime:   start,
		CreatedBy:   appointment.CreatedByTherapist,
	}
	if faker.Number(1, 10) == 1 {
		a.Type = appointment.TypeBlocked
		a.Title = "Admin time"
		a.ClientID = uuid.Nil
		a.ClientName, a.ClientEmail = "", ""
		a.EndTime = start.Add(30 * time.Minute)
	}
	return a
}

func seedSeries(ctx context.Context, svc *appointment.Service, faker *gofakeit.Faker, t appointment.Therapist, logger zerolog.Logger) error {
	hours := t.WorkingHours[time.Monday]
	start := nextMonday(time.Now()).AddDate(0, 0, 7).Add(time.Duration(hours.Start) * time.Minute)

	template := appointment.Appointment{
		Title:       "Weekly Therapy",
		TherapistID: t.ID,
		ClientID:    uuid.New(),
		ServiceID:   t.ServiceIDs[0],
		ClientName:  faker.Name(),
		ClientEmail: faker.Email(),
		StartTime:   start,
		CreatedBy:   appointment.CreatedByTherapist,
	}
	pattern := appointment.RecurrencePattern{
		Frequency:   appointment.FrequencyWeekly,
		Interval:    1,
		DaysOfWeek:  []time.Weekday{time.Monday, time.Thursday},
		Occurrences: 12,
	}

	res, err := svc.CreateSeries(ctx, template, pattern)
	if err != nil {
		return err
	}
	logger.Info().
		Str("series_id", res.Series.ID.String()).
		Int("created", len(res.Created)).
		Int("skipped", len(res.Skipped)).
		Msg("recurring series seeded")
	return nil
}

func nextMonday(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(time.Monday) - int(day.Weekday()) + 7) % 7
	if offset == 0 {
		offset = 7
	}
	return day.AddDate(0, 0, offset)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
