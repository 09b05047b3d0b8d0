// Command admin runs the Admin process: the durable file registry,
// garbage collection, file-event publishing, and the cluster-wide JWT
// rotation / storage-element config / health-sync schedulers (spec.md
// §2, §4.5, §4.6, §5, §6.1).
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

	"stratafs.io/platform/admin/eventing"
	"stratafs.io/platform/admin/gc"
	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/admin/scheduler"
	"stratafs.io/platform/pkg/cfgstruct"
	"stratafs.io/platform/pkg/process"
	"stratafs.io/platform/pkg/storjtype"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/dbutil"
	"stratafs.io/platform/private/healthcheck"
	"stratafs.io/platform/private/lifecycle"
	"stratafs.io/platform/private/logging"
	"stratafs.io/platform/private/sync2"
	"stratafs.io/platform/private/web"
)

// config flattens every Admin option (spec.md §6.4 "Admin" block).
type config struct {
	ListenAddr string `cfg:"listen-addr" default:":8082" help:"HTTP listen address"`
	PostgresDSN string `cfg:"postgres-dsn" default:"postgres://localhost/stratafs?sslmode=disable" help:"Postgres connection string"`
	RedisAddr  string `cfg:"redis-addr" default:"localhost:6379" help:"shared Redis address"`

	AuthPrivateKeyPath string `cfg:"auth-private-key-path" default:"" help:"PEM file of the initial signing key; empty generates an ephemeral dev key"`
	AuthKeyID          string `cfg:"auth-key-id" default:"dev-key-0" help:"key id matching the configured private key"`
	TokenTTL           time.Duration `cfg:"token-ttl" default:"5m" help:"issued bearer token lifetime"`
	EndpointsConfig    string `cfg:"endpoints-config" default:"" help:"JSON array of {id,url,mode,priority} storage element endpoints"`

	GC        gc.Config
	Scheduler scheduler.Config
	Log       logging.Config
}

func main() {
	cfg := &config{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Run the Admin service (spec.md §4.5, §4.6)",
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
		ListenAddr: v.GetString("listen-addr"), PostgresDSN: v.GetString("postgres-dsn"),
		RedisAddr: v.GetString("redis-addr"),
		AuthPrivateKeyPath: v.GetString("auth-private-key-path"), AuthKeyID: v.GetString("auth-key-id"),
		TokenTTL: v.GetDuration("token-ttl"), EndpointsConfig: v.GetString("endpoints-config"),
		GC: gc.Config{
			BatchSize: v.GetInt("batch_size"), SafetyMargin: v.GetDuration("gc_safety_margin"),
			IntervalHours: v.GetInt("gc_interval_hours"),
		},
		Scheduler: scheduler.Config{
			JWTRotationIntervalHours: v.GetInt("jwt_rotation_interval_hours"),
			PublishIntervalSeconds:   v.GetInt("publish_interval_seconds"),
			StorageHealthCheckIntervalSec: v.GetInt("storage_health_check_interval_seconds"),
			PollTimeout: v.GetDuration("health_poll_timeout"),
		},
		Log: logging.Config{Level: v.GetString("log.level"), JSON: v.GetBool("log.json")},
	}
}

func run(ctx context.Context, cfg config) error {
	log, err := logging.New("admin", cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	group := lifecycle.NewGroup(log)
	defer func() { _ = group.Close() }()

	db, err := dbutil.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	group.Add("registry-db", db.Close)
	if err := registry.Migration.Run(ctx, db); err != nil {
		return err
	}
	store := registry.NewStore(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	group.Add("redis", redisClient.Close)

	publisher := eventing.NewPublisher(redisClient)

	initialKey, err := buildInitialKey(cfg)
	if err != nil {
		return err
	}
	keys := authtoken.NewKeyRing(initialKey, cfg.TokenTTL)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	endpoints, endpointURLs, err := loadEndpoints(cfg.EndpointsConfig)
	if err != nil {
		return err
	}
	deleter := &httpDeleter{client: httpClient, keys: keys, endpoints: endpointURLs}
	gcScheduler := gc.NewScheduler(log, store, deleter, cfg.GC, endpointURLs)
	rotationScheduler := scheduler.NewScheduler(log, keys, redisClient, store, httpClient, cfg.Scheduler, endpoints)

	router := mux.NewRouter()
	registry.NewHandler(store, store, eventAdapter{publisher: publisher}).Register(router)
	gc.NewHandler(gcScheduler).Register(router)

	health := &healthcheck.Handler{
		Required: map[string]healthcheck.Checker{
			"registry_db": db.PingContext,
			"redis":       func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	}
	router.HandleFunc("/health/live", health.Live).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", health.Ready).Methods(http.MethodGet)

	public := mux.NewRouter()
	public.PathPrefix("/health/").Handler(router)
	public.PathPrefix("/").Handler(web.AuthenticateDynamic(func() *authtoken.Verifier { return keys.Verifier(time.Now()) })(router))

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

	gcInterval := time.Duration(cfg.GC.IntervalHours) * time.Hour
	if gcInterval <= 0 {
		gcInterval = time.Hour
	}
	rotateInterval := time.Duration(cfg.Scheduler.JWTRotationIntervalHours) * time.Hour
	if rotateInterval <= 0 {
		rotateInterval = authtoken.RotationInterval
	}
	gcCycle := sync2.NewCycle(gcInterval)
	rotateCycle := sync2.NewCycle(rotateInterval)
	publishCycle := sync2.NewCycle(time.Duration(cfg.Scheduler.PublishIntervalSeconds) * time.Second)
	healthCycle := sync2.NewCycle(time.Duration(cfg.Scheduler.StorageHealthCheckIntervalSec) * time.Second)
	group.Add("gc-cycle", func() error { gcCycle.Close(); return nil })
	group.Add("rotate-cycle", func() error { rotateCycle.Close(); return nil })
	group.Add("publish-cycle", func() error { publishCycle.Close(); return nil })
	group.Add("health-cycle", func() error { healthCycle.Close(); return nil })

	log.Info("admin listening", zap.String("addr", cfg.ListenAddr))
	return process.Run(log, nil, func(ctx context.Context) error {
		go gcCycle.Run(ctx, gcScheduler.RunOnce, func(err error) {
			log.Warn("gc tick failed", zap.Error(err))
		})
		go rotateCycle.Run(ctx, rotationScheduler.RotateKeysTick, func(err error) {
			log.Warn("key rotation tick failed", zap.Error(err))
		})
		go publishCycle.Run(ctx, rotationScheduler.PublishTick, func(err error) {
			log.Warn("storage-element config publish tick failed", zap.Error(err))
		})
		go healthCycle.Run(ctx, rotationScheduler.HealthSyncTick, func(err error) {
			log.Warn("storage-element health sync tick failed", zap.Error(err))
		})

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

// loadEndpoints parses cfg.EndpointsConfig into scheduler.Endpoint structs
// for the rotation scheduler's shared-cache publish, and a flattened
// id->URL map for the GC deleter (spec.md §4.2 "configuration reload",
// reused here for GC since both need the same SE roster).
func loadEndpoints(raw string) ([]scheduler.Endpoint, map[string]string, error) {
	if raw == "" {
		return nil, map[string]string{}, nil
	}
	var eps []scheduler.Endpoint
	if err := json.Unmarshal([]byte(raw), &eps); err != nil {
		return nil, nil, err
	}
	urls := make(map[string]string, len(eps))
	for _, ep := range eps {
		urls[ep.ID] = ep.URL
	}
	return eps, urls, nil
}

func buildInitialKey(cfg config) (authtoken.KeyVersion, error) {
	if cfg.AuthPrivateKeyPath == "" {
		return authtoken.GenerateEphemeralKey(cfg.AuthKeyID, authtoken.OverlapWindow)
	}
	priv, err := authtoken.LoadPrivateKeyPEM(cfg.AuthPrivateKeyPath)
	if err != nil {
		return authtoken.KeyVersion{}, err
	}
	return authtoken.KeyVersion{
		KeyID: cfg.AuthKeyID, PrivateKey: priv, PublicKey: &priv.PublicKey,
		NotAfter: time.Now().Add(authtoken.OverlapWindow),
	}, nil
}

// eventAdapter bridges registry.EventPublisher's string-based signature to
// admin/eventing.Publisher's typed one, keeping registry free of a direct
// dependency on eventing's Redis-backed concrete type.
type eventAdapter struct {
	publisher *eventing.Publisher
}

func (a eventAdapter) Publish(ctx context.Context, eventType, fileID, storageElementID, storagePath, retentionPolicy, deletionReason string) error {
	id, err := storjtype.ParseFileID(fileID)
	if err != nil {
		return err
	}
	return a.publisher.Publish(ctx, eventing.EventType(eventType), id, storageElementID, eventing.Metadata{
		RetentionPolicy: retentionPolicy, StorageElementID: storageElementID,
		StoragePath: storagePath, DeletionReason: deletionReason,
	})
}

// httpDeleter implements gc.StorageElementDeleter against real Storage
// Element endpoints, reusing the same bearer-token pattern as the
// Ingester's adminclient (spec.md §6.2).
type httpDeleter struct {
	client    *http.Client
	keys      *authtoken.KeyRing
	endpoints map[string]string
}

func (d *httpDeleter) IsOffline(storageElementID string) bool {
	_, ok := d.endpoints[storageElementID]
	return !ok
}

func (d *httpDeleter) DeleteFile(ctx context.Context, endpointURL string, fileID storjtype.FileID) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpointURL+"/api/v1/files/"+fileID.String(), nil)
	if err != nil {
		return 0, err
	}
	token, err := d.keys.Issuer().Issue("admin-gc", authtoken.SubjectServiceAccount, authtoken.RoleAdmin)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
