// Command ingester runs an Ingester process: Sequential-Fill storage
// selection, the adaptive capacity monitor, and two-phase finalization
// (spec.md §2, §4.1-§4.3, §6.1).
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stratafs.io/platform/ingester/adminclient"
	"stratafs.io/platform/ingester/capacity"
	"stratafs.io/platform/ingester/finalize"
	"stratafs.io/platform/ingester/httpapi"
	"stratafs.io/platform/ingester/seclient"
	"stratafs.io/platform/ingester/selection"
	"stratafs.io/platform/pkg/cfgstruct"
	"stratafs.io/platform/pkg/process"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/healthcheck"
	"stratafs.io/platform/private/lifecycle"
	"stratafs.io/platform/private/logging"
	"stratafs.io/platform/private/sync2"
	"stratafs.io/platform/private/web"
)

// config flattens every Ingester option (spec.md §6.4 "Ingester" block).
type config struct {
	ListenAddr      string `cfg:"listen-addr" default:":8081" help:"HTTP listen address"`
	AdminURL        string `cfg:"admin-url" default:"http://localhost:8082" help:"Admin base URL"`
	RedisAddr       string `cfg:"redis-addr" default:"localhost:6379" help:"shared Redis address"`
	EndpointsConfig string `cfg:"endpoints-config" default:"" help:"JSON array of {id,url,mode,priority} storage element endpoints; empty leaves the capacity monitor without endpoints (Admin is not queried)"`
	ConfigReloadInterval time.Duration `cfg:"config-reload-interval" default:"60s" help:"how often endpoints-config is re-applied to the capacity monitor; Admin and the shared cache are not consulted"`

	AuthPrivateKeyPath string `cfg:"auth-private-key-path" default:"" help:"PEM file of this service's signing key; empty generates an ephemeral dev key"`
	AuthKeyID          string `cfg:"auth-key-id" default:"dev-key" help:"key id matching the configured private key"`
	TokenTTL           time.Duration `cfg:"token-ttl" default:"5m" help:"outbound service-account token lifetime"`

	Capacity capacity.Config
	Log      logging.Config
}

func main() {
	cfg := &config{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "ingester",
		Short: "Run an Ingester (spec.md §4.1-§4.3)",
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
		ListenAddr: v.GetString("listen-addr"), AdminURL: v.GetString("admin-url"),
		RedisAddr: v.GetString("redis-addr"), EndpointsConfig: v.GetString("endpoints-config"),
		ConfigReloadInterval: v.GetDuration("config-reload-interval"),
		AuthPrivateKeyPath:   v.GetString("auth-private-key-path"), AuthKeyID: v.GetString("auth-key-id"),
		TokenTTL: v.GetDuration("token-ttl"),
		Capacity: capacity.Config{
			LeaderTTL: v.GetDuration("leader_ttl"), RenewalInterval: v.GetDuration("leader_renewal_interval"),
			BaseInterval: v.GetDuration("base_interval"), MinInterval: v.GetDuration("min_interval"),
			MaxInterval: v.GetDuration("max_interval"), ChangeThresholdPct: v.GetFloat64("change_threshold_pct"),
			CacheTTL: v.GetDuration("cache_ttl"), PollTimeout: v.GetDuration("poll_timeout"),
			PollAttempts: v.GetInt("poll_attempts"), PollBackoffBase: v.GetDuration("poll_backoff_base"),
		},
		Log: logging.Config{Level: v.GetString("log.level"), JSON: v.GetBool("log.json")},
	}
}

func run(ctx context.Context, cfg config) error {
	log, err := logging.New("ingester", cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	group := lifecycle.NewGroup(log)
	defer func() { _ = group.Close() }()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	group.Add("redis", redisClient.Close)

	issuerKey, verifier, err := buildKeys(cfg)
	if err != nil {
		return err
	}
	issuer := authtoken.NewIssuer(issuerKey, cfg.TokenTTL)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	monitor := capacity.NewMonitor(log, redisClient, httpClient, cfg.Capacity)
	admin := adminclient.NewClient(cfg.AdminURL, issuer, httpClient)
	selector := selection.NewSelector(log, monitor, cfg.AdminURL, httpClient)
	seClient := seclient.NewClient(httpClient)
	finalizer := finalize.NewService(log, seClient, admin, selector)

	if eps, err := loadEndpoints(cfg.EndpointsConfig); err == nil && len(eps) > 0 {
		monitor.ReloadEndpoints(eps)
	} else if err != nil {
		log.Warn("could not parse endpoints-config at startup", zap.Error(err))
	}

	router := mux.NewRouter()
	httpapi.NewHandler(log, selector, seClient, finalizer, admin, monitor).Register(router)

	health := &healthcheck.Handler{
		Required: map[string]healthcheck.Checker{
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
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

	electionCycle := sync2.NewCycle(cfg.Capacity.RenewalInterval)
	pollCycle := sync2.NewCycle(cfg.Capacity.MinInterval)
	reloadCycle := sync2.NewCycle(cfg.ConfigReloadInterval)
	group.Add("election-cycle", func() error { electionCycle.Close(); return nil })
	group.Add("poll-cycle", func() error { pollCycle.Close(); return nil })
	group.Add("reload-cycle", func() error { reloadCycle.Close(); return nil })

	log.Info("ingester listening", zap.String("addr", cfg.ListenAddr), zap.String("instance_id", monitor.InstanceID()))
	return process.Run(log, nil, func(ctx context.Context) error {
		go electionCycle.Run(ctx, monitor.ElectionTick, func(err error) {
			log.Warn("leader election tick failed", zap.Error(err))
		})
		go pollCycle.Run(ctx, monitor.PollTick, func(err error) {
			log.Warn("capacity poll tick failed", zap.Error(err))
		})
		go reloadCycle.Run(ctx, func(ctx context.Context) error {
			eps, err := loadEndpoints(cfg.EndpointsConfig)
			if err != nil || len(eps) == 0 {
				return nil
			}
			monitor.ReloadEndpoints(eps)
			return nil
		}, func(err error) {
			log.Warn("config reload tick failed", zap.Error(err))
		})

		go func() {
			<-ctx.Done()
			monitor.Release(context.Background())
			_ = srv.Close()
		}()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}

func loadEndpoints(raw string) ([]capacity.Endpoint, error) {
	if raw == "" {
		return nil, nil
	}
	var eps []capacity.Endpoint
	if err := json.Unmarshal([]byte(raw), &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

func buildKeys(cfg config) (authtoken.KeyVersion, *authtoken.Verifier, error) {
	if cfg.AuthPrivateKeyPath == "" {
		key, err := authtoken.GenerateEphemeralKey(cfg.AuthKeyID, 24*time.Hour)
		if err != nil {
			return authtoken.KeyVersion{}, nil, err
		}
		return key, authtoken.NewVerifier([]authtoken.KeyVersion{key}), nil
	}
	priv, err := authtoken.LoadPrivateKeyPEM(cfg.AuthPrivateKeyPath)
	if err != nil {
		return authtoken.KeyVersion{}, nil, err
	}
	key := authtoken.KeyVersion{
		KeyID: cfg.AuthKeyID, PrivateKey: priv, PublicKey: &priv.PublicKey,
		NotAfter: time.Now().Add(24 * 365 * time.Hour),
	}
	return key, authtoken.NewVerifier([]authtoken.KeyVersion{key}), nil
}
