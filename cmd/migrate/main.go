package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/config"
	"github.com/acme/adherence-call-pipeline/internal/infra/db"
	scyllarepo "github.com/acme/adherence-call-pipeline/internal/repository/scylla"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env file: %v", err)
	}

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	force := flag.Int("force", -1, "force the recorded schema version and exit")
	withScylla := flag.Bool("scylla", true, "also create the call record tables")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		lg.Fatal("connect postgres", zap.Error(err))
	}
	defer pg.Close(context.Background())

	migrator, err := db.NewMigrator(pg.DB().DB)
	if err != nil {
		lg.Fatal("build migrator", zap.Error(err))
	}
	defer migrator.Close()

	if *force >= 0 {
		if err := migrator.Force(*force); err != nil {
			lg.Fatal("force version", zap.Error(err))
		}
		lg.Info("schema version forced", zap.Int("version", *force))
		return
	}

	if err := migrator.Up(); err != nil {
		lg.Fatal("apply migrations", zap.Error(err))
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		lg.Fatal("read schema version", zap.Error(err))
	}
	lg.Info("postgres migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))

	if !*withScylla {
		return
	}
	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		lg.Fatal("connect scylla", zap.Error(err))
	}
	defer scylla.Close()
	if err := scyllarepo.EnsureSchema(ctx, scylla.Session()); err != nil {
		lg.Fatal("ensure scylla schema", zap.Error(err))
	}
	lg.Info("scylla schema ensured", zap.String("keyspace", cfg.Scylla.Keyspace))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
