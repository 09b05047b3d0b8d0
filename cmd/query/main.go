// Command query runs a Query process: the read-only file-location cache
// kept warm by consuming Admin's file-events stream, and the REST surface
// that serves lookups/downloads from it (spec.md §2, §4.5, §6.1).
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/satori/go.uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stratafs.io/platform/pkg/cfgstruct"
	"stratafs.io/platform/pkg/process"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/dbutil"
	"stratafs.io/platform/private/healthcheck"
	"stratafs.io/platform/private/lifecycle"
	"stratafs.io/platform/private/logging"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/query/cache"
	"stratafs.io/platform/query/consumer"
	"stratafs.io/platform/query/dispatch"
	"stratafs.io/platform/query/httpapi"
)

// config flattens every Query option (spec.md §6.4 "Query" block).
type config struct {
	ListenAddr      string `cfg:"listen-addr" default:":8083" help:"HTTP listen address"`
	RedisAddr       string `cfg:"redis-addr" default:"localhost:6379" help:"shared Redis address"`
	CachePath       string `cfg:"cache-path" default:"./data/query-cache.db" help:"SQLite location-cache path"`
	EndpointsConfig string `cfg:"endpoints-config" default:"" help:"JSON object mapping storage_element_id to its base URL"`

	AuthPublicKeyPath string `cfg:"auth-public-key-path" default:"" help:"PEM file of Admin's verifying key; empty generates an ephemeral dev key"`
	AuthKeyID         string `cfg:"auth-key-id" default:"dev-key" help:"key id matching the configured public key"`

	Consumer consumer.Config
	Log      logging.Config
}

func main() {
	cfg := &config{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a Query process (spec.md §4.5)",
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
		ListenAddr: v.GetString("listen-addr"), RedisAddr: v.GetString("redis-addr"),
		CachePath: v.GetString("cache-path"), EndpointsConfig: v.GetString("endpoints-config"),
		AuthPublicKeyPath: v.GetString("auth-public-key-path"), AuthKeyID: v.GetString("auth-key-id"),
		Consumer: consumer.Config{
			BatchSize: v.GetInt64("batch_size"), BlockDuration: v.GetDuration("block_ms"),
			ReclaimInterval: v.GetDuration("pending_retry_ms"), ReclaimMinIdle: v.GetDuration("reclaim_min_idle"),
		},
		Log: logging.Config{Level: v.GetString("log.level"), JSON: v.GetBool("log.json")},
	}
}

func run(ctx context.Context, cfg config) error {
	log, err := logging.New("query", cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	group := lifecycle.NewGroup(log)
	defer func() { _ = group.Close() }()

	db, err := dbutil.OpenSQLite(cfg.CachePath)
	if err != nil {
		return err
	}
	group.Add("query-db", db.Close)
	if err := cache.Migration.Run(ctx, db); err != nil {
		return err
	}
	queryCache := cache.NewCache(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	group.Add("redis", redisClient.Close)

	resolver, err := loadEndpoints(cfg.EndpointsConfig)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	handler := dispatch.New(queryCache)
	consumerName := "query-" + uuid.NewV4().String()
	c := consumer.NewConsumer(log, redisClient, handler, consumerName, cfg.Consumer)

	router := mux.NewRouter()
	httpapi.NewHandler(queryCache, resolver, &http.Client{Timeout: 30 * time.Second}).Register(router)

	health := &healthcheck.Handler{
		Required: map[string]healthcheck.Checker{
			"query_db": db.PingContext,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	}
	router.HandleFunc("/health/live", health.Live).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", health.Ready).Methods(http.MethodGet)

	public := mux.NewRouter()
	public.PathPrefix("/health/").Handler(router)
	public.PathPrefix("/").Handler(web.Authenticate(verifier)(router))

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

	log.Info("query listening", zap.String("addr", cfg.ListenAddr), zap.String("consumer_name", consumerName))
	return process.Run(log, nil, func(ctx context.Context) error {
		go func() {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("event consumer exited", zap.Error(err))
			}
		}()

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

// staticResolver is the EndpointResolver implementation backing
// httpapi.Handler's download redirect (spec.md §6.1): a fixed id->URL map
// loaded at startup, refreshed by restarting the process (Query's cache
// is read-heavy and short-lived compared to Admin's live SE roster).
type staticResolver map[string]string

func (r staticResolver) Endpoint(storageElementID string) (string, bool) {
	url, ok := r[storageElementID]
	return url, ok
}

func loadEndpoints(raw string) (staticResolver, error) {
	if raw == "" {
		return staticResolver{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return staticResolver(m), nil
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
