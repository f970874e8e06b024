package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"proman-api/api"
	"proman-api/goals"
	"proman-api/storage"
	"proman-api/timer"
	"proman-api/worker"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	documentsTable := os.Getenv("DOCUMENTS_TABLE")
	recalcQueueName := os.Getenv("RECALC_QUEUE")
	if connStr == "" || documentsTable == "" || recalcQueueName == "" {
		log.Fatal("missing storage config")
	}

	tables, err := storage.NewTableStore(connStr, documentsTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	queue, err := storage.NewRecalcQueue(connStr, recalcQueueName)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	logger := log.New()

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	deduperTTL := time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		deduperTTL = d
	}

	// Reads go through the cache; the notifier wraps the cache so eviction
	// is committed before the change event fires, and a watcher woken by
	// the event cannot re-read a pre-write cache entry.
	store := storage.WithNotifier(storage.NewCache(tables, rc, cacheTTL), rc, logger)
	watcher := storage.NewPubSubWatcher(rc, store, logger)
	deduper := storage.NewRedisDeduper(rc, deduperTTL)

	engine := goals.NewEngine(store, logger)
	timers := timer.NewRegistry(store, logger, timer.DefaultOptions())

	go worker.New(queue, engine, deduper, logger).Run(context.Background())

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.RequestBodyMiddleware())

	api.Register(e, &api.Server{
		Store:   store,
		Watcher: watcher,
		Engine:  engine,
		Timers:  timers,
		Queue:   queue,
		Deduper: deduper,
		Auth:    auth,
		Logger:  logger,
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
