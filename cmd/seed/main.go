package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/storage"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
)

// tariff and typical monthly usage per service, used to make the mock history
// look plausible
var profiles = map[types.Service]struct {
	tariff  float64
	monthly float64
}{
	types.ServiceElectricity: {tariff: 450, monthly: 250},
	types.ServiceWater:       {tariff: 1708, monthly: 12},
	types.ServiceTBO:         {tariff: 8500.5, monthly: 3},
	types.ServiceManagement:  {tariff: 950, monthly: 64},
}

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	days := lflag.Int("seed-days", 90, "Number of days of mock history to generate per account")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list accounts", slog.Any("error", err))
		os.Exit(1)
	}
	if len(accounts) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no accounts to seed, add one first")
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding mock history", slog.Int("accounts", len(accounts)), slog.Int("days", *days))

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now().UTC().Truncate(24 * time.Hour)
	start := now.AddDate(0, 0, -*days)

	for _, account := range accounts {
		p, ok := profiles[account.Service]
		if !ok {
			continue
		}
		balance := -p.tariff * p.monthly * rng.Float64()
		var lastPayment *types.Payment
		var lastMonth *types.LastMonth

		for t := start; t.Before(now); t = t.AddDate(0, 0, 1) {
			// usage accrues through the month
			day := float64(t.Day())
			consumption := math.Round(p.monthly*day/30*(0.8+0.4*rng.Float64())*100) / 100
			accrual := math.Round(consumption * p.tariff)

			if t.Day() == 1 {
				prev := t.AddDate(0, -1, 0)
				lastMonth = &types.LastMonth{
					Period:      prev.Format("2006-01"),
					Consumption: p.monthly,
					Accrual:     p.monthly * p.tariff,
					Tariffs:     []types.Tariff{{Tariff: p.tariff, Consumption: p.monthly, Accrual: p.monthly * p.tariff}},
				}
				balance -= lastMonth.Accrual
			}
			// pay most of the debt around the 10th
			if t.Day() == 10 && balance < 0 {
				amount := math.Round(-balance * (0.9 + 0.2*rng.Float64()))
				balance += amount
				lastPayment = &types.Payment{Amount: amount, Date: t.Format(time.DateOnly)}
			}

			rec := types.Record{
				AccountID:     account.AccountID,
				CurrentPeriod: t.Format("2006-01"),
				Balance:       math.Round(balance*100) / 100,
				Consumption:   consumption,
				Accrual:       accrual,
				LastPayment:   lastPayment,
				Data: types.RecordData{
					CurrentMonth: types.MonthUsage{Consumption: consumption, Accrual: accrual},
					LastMonth:    lastMonth,
				},
			}
			err := s.InsertSnapshot(ctx, account.ID, types.Snapshot{
				ID:        uuid.NewString(),
				Timestamp: t.Add(time.Duration(rng.Intn(3600)) * time.Second),
				Record:    rec,
			})
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to insert snapshot", slog.String("entryID", account.ID), slog.Any("error", err))
				os.Exit(1)
			}
		}
		fmt.Printf("seeded %s (%s)\n", account.ID, account.Service)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete")
}
