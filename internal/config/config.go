package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port    string `json:"port"`
	DBURL   string `json:"dbUrl"`
	SeedDir string `json:"seedDir"`

	// Upper bound for one entity's DDL batch; migrations give up past it.
	MigrateTimeout time.Duration `json:"migrateTimeout"`

	// Cross-node invalidation over Postgres LISTEN/NOTIFY. With a
	// single node the in-process bus is enough.
	ClusterNotify bool `json:"clusterNotify"`
}

func def() Config {
	return Config{
		Port:           "8080",
		DBURL:          "",
		SeedDir:        "seeds",
		MigrateTimeout: 30 * time.Second,
		ClusterNotify:  true,
	}
}

func loadJSON(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "1" || v == "true" || v == "yes" {
			return true
		}
		if v == "0" || v == "false" || v == "no" {
			return false
		}
	}
	return fallback
}

func getenvDuration(k string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// LoadWithPath reads the JSON file at jsonPath, then applies ENV and flags.
func LoadWithPath(jsonPath string) Config {
	cfg := def()

	if st, err := os.Stat(jsonPath); err == nil && !st.IsDir() {
		if c2, err := loadJSON(jsonPath); err == nil {
			cfg = c2
		}
	}

	// ENV overrides
	cfg.Port = getenv("TABULA_PORT", cfg.Port)
	cfg.DBURL = getenv("TABULA_DB_URL", cfg.DBURL)
	cfg.SeedDir = getenv("TABULA_SEED_DIR", cfg.SeedDir)
	cfg.MigrateTimeout = getenvDuration("TABULA_MIGRATE_TIMEOUT", cfg.MigrateTimeout)
	cfg.ClusterNotify = getenvBool("TABULA_CLUSTER_NOTIFY", cfg.ClusterNotify)

	// Flags overrides
	configPath := flag.String("config", jsonPath, "Path to config JSON")
	port := flag.String("port", cfg.Port, "HTTP port")
	db := flag.String("db", cfg.DBURL, "Postgres URL")
	seeds := flag.String("seeds", cfg.SeedDir, "Path to seed descriptor directory")
	mto := flag.Duration("migrate-timeout", cfg.MigrateTimeout, "Per-entity migration timeout")
	notify := flag.String("cluster-notify", strconv.FormatBool(cfg.ClusterNotify), "Publish schema changes over LISTEN/NOTIFY (true/false)")

	flag.Parse()

	// A -config flag pointing elsewhere means re-read from scratch.
	if *configPath != jsonPath {
		return LoadWithPath(*configPath)
	}

	cfg.Port = strings.TrimSpace(*port)
	cfg.DBURL = strings.TrimSpace(*db)
	cfg.SeedDir = strings.TrimSpace(*seeds)
	if *mto > 0 {
		cfg.MigrateTimeout = *mto
	}
	cfg.ClusterNotify = strings.EqualFold(strings.TrimSpace(*notify), "true") ||
		strings.EqualFold(strings.TrimSpace(*notify), "1") ||
		strings.EqualFold(strings.TrimSpace(*notify), "yes")

	return cfg
}
