package main

import (
	"context"
	"log"

	"tabula/internal/api"
	"tabula/internal/cluster"
	"tabula/internal/config"
	"tabula/internal/descriptor"
	"tabula/internal/engine"
	"tabula/internal/repo"
	"tabula/internal/runtime"
	"tabula/internal/schema"
	"tabula/internal/seed"
)

func main() {
	cfg := config.LoadWithPath("config.json")
	if cfg.DBURL == "" {
		log.Fatal("database URL required (TABULA_DB_URL or -db)")
	}

	db, err := schema.Open(cfg.DBURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := schema.Bootstrap(ctx, db); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	store := descriptor.NewStore(db)
	exec := schema.NewExecutor(db, cfg.MigrateTimeout)
	registry := runtime.NewRegistry(0)

	var notifier cluster.Notifier
	bus := cluster.NewBus()
	if cfg.ClusterNotify {
		pg := cluster.NewPGNotifier(db, cfg.DBURL, bus)
		defer pg.Close()
		notifier = pg
	} else {
		notifier = bus
	}

	eng := engine.New(store, exec, registry, notifier)
	defer eng.Close()

	if err := seed.Load(ctx, eng, cfg.SeedDir); err != nil {
		log.Fatalf("seed: %v", err)
	}

	rep := repo.New(db, eng)
	srv := api.NewServer(eng, rep)

	log.Printf("tabula listening on :%s", cfg.Port)
	if err := srv.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}
