// Command storageelement runs a single Storage Element process: the
// attribute-first durability core plus its REST surface (spec.md §2, §4.4,
// §6.1).
package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stratafs.io/platform/pkg/cfgstruct"
	"stratafs.io/platform/pkg/filestore"
	"stratafs.io/platform/pkg/process"
	"stratafs.io/platform/pkg/storjtype"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/dbutil"
	"stratafs.io/platform/private/healthcheck"
	"stratafs.io/platform/private/lifecycle"
	"stratafs.io/platform/private/logging"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/storageelement"
)

// config is this process's full set of recognized options (spec.md §6.4
// "Storage element" block), flattened for cfgstruct binding.
type config struct {
	ListenAddr         string `cfg:"listen-addr" default:":8080" help:"HTTP listen address"`
	Mode               string `cfg:"mode" default:"edit" help:"edit, rw, ro, or ar"`
	ElementID          string `cfg:"element-id" default:"se-1" help:"this SE's stable identifier"`
	Priority           int    `cfg:"priority" default:"100" help:"selection priority, lower wins"`
	ExternalEndpoint   string `cfg:"external-endpoint" default:"http://localhost:8080" help:"URL other services reach this SE at"`
	DatacenterLocation string `cfg:"datacenter-location" default:"local" help:"free-form location label"`
	TotalBytes         int64  `cfg:"total-bytes" default:"107374182400" help:"declared total capacity in bytes"`

	Backend     string `cfg:"backend" default:"local" help:"local or s3"`
	BasePath    string `cfg:"base-path" default:"./data/storageelement" help:"local backend root directory"`
	WALDir      string `cfg:"wal-dir" default:"./data/storageelement-wal" help:"write-ahead log directory"`
	CachePath   string `cfg:"cache-path" default:"./data/storageelement-cache.db" help:"SQLite metadata cache path"`
	S3Endpoint  string `cfg:"s3-endpoint" default:"" help:"S3-compatible endpoint host:port"`
	S3AccessKey string `cfg:"s3-access-key" default:"" help:""`
	S3SecretKey string `cfg:"s3-secret-key" default:"" help:""`
	S3Bucket    string `cfg:"s3-bucket" default:"" help:""`
	S3AppFolder string `cfg:"s3-app-folder" default:"storage" help:""`
	S3UseSSL    bool   `cfg:"s3-use-ssl" default:"on" help:""`

	AuthPublicKeyPath string `cfg:"auth-public-key-path" default:"" help:"PEM file of Admin's verifying key; empty generates an ephemeral dev key"`
	AuthKeyID         string `cfg:"auth-key-id" default:"dev-key" help:"key id matching the configured public key"`

	Log logging.Config
}

func main() {
	cfg := &config{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "storageelement",
		Short: "Run a Storage Element (spec.md §4.4)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), readConfig(v))
		},
	}
	if err := cfgstruct.Bind(cmd.Flags(), v, cfg); err != nil {
		panic(err)
	}
	process.ExecuteOrExit(cmd)
}

func readConfig(v *viper.Viper) config {
	return config{
		ListenAddr: v.GetString("listen-addr"), Mode: v.GetString("mode"),
		ElementID: v.GetString("element-id"), Priority: v.GetInt("priority"),
		ExternalEndpoint: v.GetString("external-endpoint"), DatacenterLocation: v.GetString("datacenter-location"),
		TotalBytes: int64(v.GetInt64("total-bytes")),
		Backend:    v.GetString("backend"), BasePath: v.GetString("base-path"),
		WALDir: v.GetString("wal-dir"), CachePath: v.GetString("cache-path"),
		S3Endpoint: v.GetString("s3-endpoint"), S3AccessKey: v.GetString("s3-access-key"),
		S3SecretKey: v.GetString("s3-secret-key"), S3Bucket: v.GetString("s3-bucket"),
		S3AppFolder: v.GetString("s3-app-folder"), S3UseSSL: v.GetBool("s3-use-ssl"),
		AuthPublicKeyPath: v.GetString("auth-public-key-path"), AuthKeyID: v.GetString("auth-key-id"),
		Log: logging.Config{Level: v.GetString("log.level"), JSON: v.GetBool("log.json")},
	}
}

// cacheTTLHoursForMode returns spec.md §3's per-mode cache TTL: 24h for
// edit/rw, 168h (one week) for ro/ar.
func cacheTTLHoursForMode(mode storjtype.SEMode) int {
	if mode == storjtype.ModeRO || mode == storjtype.ModeAR {
		return 168
	}
	return 24
}

func run(ctx context.Context, cfg config) error {
	log, err := logging.New("storageelement", cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	group := lifecycle.NewGroup(log)
	defer func() { _ = group.Close() }()

	var backend filestore.Backend
	if cfg.Backend == "s3" {
		backend, err = filestore.NewS3Backend(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3AppFolder, cfg.S3UseSSL)
	} else {
		backend = filestore.NewLocalBackend(cfg.BasePath)
	}
	if err != nil {
		return err
	}

	wal, err := filestore.NewWAL(cfg.WALDir)
	if err != nil {
		return err
	}

	db, err := dbutil.OpenSQLite(cfg.CachePath)
	if err != nil {
		return err
	}
	group.Add("cache-db", db.Close)
	if err := storageelement.Migration.Run(ctx, db); err != nil {
		return err
	}
	cache := storageelement.NewCache(db)

	mode := storjtype.SEMode(cfg.Mode)
	svcCfg := storageelement.Config{
		Mode: mode, ElementID: cfg.ElementID, Priority: cfg.Priority,
		ExternalEndpoint: cfg.ExternalEndpoint, DatacenterLocation: cfg.DatacenterLocation,
		CacheTTLHours: cacheTTLHoursForMode(mode), TotalBytes: cfg.TotalBytes, Backend: cfg.Backend,
	}
	svc := storageelement.NewService(log, svcCfg, backend, wal, cache)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	storageelement.NewHandler(svc).Register(router)

	health := &healthcheck.Handler{
		Required: map[string]healthcheck.Checker{"cache_db": db.PingContext},
	}
	router.HandleFunc("/health/live", health.Live).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", health.Ready).Methods(http.MethodGet)

	var handler http.Handler = router
	handler = web.Authenticate(verifier)(handler)
	// /health endpoints must stay reachable without a bearer token.
	public := mux.NewRouter()
	public.PathPrefix("/health/").Handler(router)
	public.PathPrefix("/").Handler(handler)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: public}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	group.Add("http-server", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), process.DrainTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Background cache maintenance (spec.md §5 "cache cleanup (background)").
	stopCleanup := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stopCleanup:
				return
			case <-ticker.C:
				if _, err := svc.CleanupExpiredEntries(ctx); err != nil {
					log.Warn("cache cleanup tick failed", zap.Error(err))
				}
			}
		}
	}()
	group.Add("cache-cleanup-loop", func() error { close(stopCleanup); return nil })

	log.Info("storage element listening", zap.String("addr", cfg.ListenAddr), zap.String("mode", cfg.Mode), zap.String("element_id", cfg.ElementID))
	return process.Run(log, nil, func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}

func buildVerifier(cfg config) (*authtoken.Verifier, error) {
	if cfg.AuthPublicKeyPath == "" {
		key, err := authtoken.GenerateEphemeralKey(cfg.AuthKeyID, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		return authtoken.NewVerifier([]authtoken.KeyVersion{key}), nil
	}
	pub, err := authtoken.LoadPublicKeyPEM(cfg.AuthPublicKeyPath)
	if err != nil {
		return nil, err
	}
	return authtoken.NewVerifier([]authtoken.KeyVersion{{
		KeyID: cfg.AuthKeyID, PublicKey: pub, NotAfter: time.Now().Add(24 * 365 * time.Hour),
	}}), nil
}
