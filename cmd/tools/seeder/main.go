package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/db"
	"github.com/noah-isme/labdesk-api/internal/obs"
)

// defaultTests is a starter catalog for a small diagnostic lab.
var defaultTests = []struct {
	Code  string
	Name  string
	Price string
}{
	{"CBC", "Complete Blood Count", "400"},
	{"ESR", "Erythrocyte Sedimentation Rate", "200"},
	{"FBS", "Fasting Blood Sugar", "150"},
	{"HBA1C", "Glycated Haemoglobin (HbA1c)", "1200"},
	{"LIPID", "Lipid Profile", "1500"},
	{"LFT", "Liver Function Test", "1800"},
	{"RFT", "Renal Function Test", "1600"},
	{"TSH", "Thyroid Stimulating Hormone", "900"},
	{"URINE-RE", "Urine Routine Examination", "250"},
	{"CRP", "C-Reactive Protein", "700"},
	{"HBSAG", "Hepatitis B Surface Antigen", "600"},
	{"XRAY-CHEST", "Chest X-Ray PA View", "500"},
}

func main() {
	migrateFirst := flag.Bool("migrate", false, "apply database migrations before seeding")
	flag.Parse()

	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	if *migrateFirst {
		if err := db.Migrate(dbURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	store := catalog.PGStore{Pool: pool}
	err = db.InTx(ctx, pool, func(ctx context.Context) error {
		for _, t := range defaultTests {
			id, err := store.Upsert(ctx, catalog.Test{
				Code:   t.Code,
				Name:   t.Name,
				Price:  decimal.RequireFromString(t.Price),
				Active: true,
			})
			if err != nil {
				return err
			}
			logger.Info().Str("code", t.Code).Str("id", id.String()).Str("price", t.Price).Msg("lab test seeded")
		}
		return nil
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("seed catalog")
	}
	logger.Info().Int("tests", len(defaultTests)).Msg("seeding completed")
}
