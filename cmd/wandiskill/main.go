package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/lox/wandiskill/internal/analysis"
	"github.com/lox/wandiskill/internal/api"
	"github.com/lox/wandiskill/internal/cache"
	"github.com/lox/wandiskill/internal/publish"
	"github.com/lox/wandiskill/internal/store"
	"github.com/lox/wandiskill/internal/verify"
)

type Globals struct {
	DB     string  `help:"Path to SQLite database." default:"data/wandiskill.db" env:"WANDISKILL_DB"`
	Offset float64 `help:"Event threshold above climatology." default:"5" env:"WANDISKILL_OFFSET"`

	RedisAddr     string `help:"Redis address for the report cache; empty uses an in-process cache." env:"REDIS_ADDR"`
	RedisPassword string `help:"Redis password." env:"REDIS_PASSWORD"`
	RedisDB       int    `help:"Redis database number." default:"0" env:"REDIS_DB"`

	KafkaBrokers []string `help:"Kafka brokers for report publishing; empty disables publishing." env:"KAFKA_BROKERS"`
	KafkaTopic   string   `help:"Kafka topic for reports." default:"verification-reports" env:"KAFKA_TOPIC"`

	PayloadRetention int `help:"Days to keep raw ingest payloads; 0 keeps them forever." default:"90" env:"WANDISKILL_PAYLOAD_RETENTION_DAYS"`
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the HTTP API and the analysis scheduler."`
	Analyze AnalyzeCmd `cmd:"" help:"Analyse every stored series once and exit."`
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations and exit."`
	Report  ReportCmd  `cmd:"" help:"Print the verification report of one series as JSON."`
}

// Validate rejects an offset that would make every event comparison false.
func (c *CLI) Validate() error {
	if math.IsNaN(c.Offset) || math.IsInf(c.Offset, 0) {
		return fmt.Errorf("--offset must be a finite number, got %v", c.Offset)
	}
	return nil
}

type ServeCmd struct {
	Port     string        `help:"HTTP server port." default:"8080" env:"PORT"`
	Interval time.Duration `help:"Interval between scheduled analysis runs." default:"6h" env:"WANDISKILL_INTERVAL"`
	NoPoll   bool          `help:"Disable the analysis scheduler (server only, for local dev)." name:"no-poll"`
}

func (c *ServeCmd) Run(g *Globals) error {
	st, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	runner, closeRunner, err := newRunner(g, st)
	if err != nil {
		return err
	}
	defer closeRunner()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoPoll {
		go analysis.NewScheduler(runner, c.Interval).Run(ctx)
	} else {
		log.Println("scheduler disabled (--no-poll)")
	}

	server := api.NewServer(st, runner, c.Port)
	return server.Run(ctx)
}

type AnalyzeCmd struct{}

func (c *AnalyzeCmd) Run(g *Globals) error {
	st, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	runner, closeRunner, err := newRunner(g, st)
	if err != nil {
		return err
	}
	defer closeRunner()

	run, err := runner.RunAll(context.Background(), "cli")
	if err != nil {
		return err
	}
	if run.ErrorMessage.Valid {
		log.Printf("analysis notes: %s", run.ErrorMessage.String)
	}
	if !run.Success {
		return fmt.Errorf("analysis run %d failed", run.ID)
	}
	log.Printf("done: %d reports saved", run.ReportsSaved.Int64)
	return nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	st, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("database at migration version %d", version)
	return nil
}

type ReportCmd struct {
	Site     string `arg:"" help:"Site identifier."`
	Variable string `arg:"" help:"Variable name."`
	Leads    []int  `help:"Leads to score (default all)."`
}

func (c *ReportCmd) Run(g *Globals) error {
	st, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	runner := analysis.NewRunner(st)
	runner.SetOptions(verify.Options{Offset: g.Offset})
	opts := verify.Options{Offset: g.Offset, Leads: c.Leads}
	report, err := runner.AnalyzeSeries(context.Background(), c.Site, c.Variable, opts)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	}
	return err
}

func openStore(path string) (*store.Store, func(), error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")
	return st, func() { db.Close() }, nil
}

func newRunner(g *Globals, st *store.Store) (*analysis.Runner, func(), error) {
	runner := analysis.NewRunner(st)
	runner.SetOptions(verify.Options{Offset: g.Offset})
	runner.SetPayloadRetention(g.PayloadRetention)

	var closers []func() error

	if g.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     g.RedisAddr,
			Password: g.RedisPassword,
			DB:       g.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Printf("report cache: redis %s", g.RedisAddr)
		runner.SetCache(cache.NewRedis(client, cache.DefaultTTL))
		closers = append(closers, client.Close)
	} else {
		runner.SetCache(cache.NewMemory())
	}

	if len(g.KafkaBrokers) > 0 {
		pub := publish.NewKafka(g.KafkaBrokers, g.KafkaTopic)
		log.Printf("report publishing: kafka topic %s", g.KafkaTopic)
		runner.SetPublisher(pub)
		closers = append(closers, pub.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("close: %v", err)
			}
		}
	}
	return runner, closeAll, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wandiskill"),
		kong.Description("Forecast verification service: skill, error and contingency scores against climatology."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		log.Fatalf("%s: %v", ctx.Command(), err)
	}
}
