// Command conecta runs the integration hub: the webhook ingress server,
// the message worker pool and the sweepers, backed by MongoDB and Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	queuepulse "github.com/conectahub/conecta/features/queue/pulse"
	pulseclient "github.com/conectahub/conecta/features/queue/pulse/clients/pulse"
	storemongo "github.com/conectahub/conecta/features/store/mongo"
	"github.com/conectahub/conecta/handlers/fulfillment"
	"github.com/conectahub/conecta/handlers/invoicesync"
	"github.com/conectahub/conecta/ingress"
	"github.com/conectahub/conecta/runtime/bus"
	"github.com/conectahub/conecta/runtime/processor"
	"github.com/conectahub/conecta/runtime/registry"
)

func main() {
	var (
		httpAddrF = flag.String("http-addr", envOr("CONECTA_HTTP_ADDR", ":8080"), "HTTP listen address")
		workersF  = flag.Int("workers", envInt("CONECTA_WORKERS", 4), "Number of message workers")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var (
		mongoURL = envOr("CONECTA_MONGO_URL", "mongodb://localhost:27017")
		mongoDB  = envOr("CONECTA_MONGO_DB", "conecta")
		redisURL = envOr("CONECTA_REDIS_URL", "redis://localhost:6379")
	)

	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "connect mongo"})
	}
	defer mongoClient.Disconnect(context.Background())
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "ping mongo"})
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "parse redis URL"})
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	storeOpts := storemongo.Options{Client: mongoClient, Database: mongoDB}
	msgs, err := storemongo.NewMessageStore(storeOpts)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open message store"})
	}
	orders, err := storemongo.NewFulfillmentStore(storeOpts)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open fulfillment store"})
	}
	items, err := storemongo.NewItemMapStore(storeOpts)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open item map store"})
	}
	creds, err := storemongo.NewCredentialStore(storeOpts)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open credential store"})
	}
	orgs, err := storemongo.NewOrganizationStore(storeOpts)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open organization store"})
	}

	pc, err := pulseclient.New(pulseclient.Options{Redis: redisClient})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create pulse client"})
	}
	defer pc.Close(context.Background())
	queue, err := queuepulse.New(queuepulse.Options{Client: pc})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "open work queue"})
	}

	b := bus.New()
	reg := registry.New()

	ff, err := fulfillment.New(fulfillment.Options{
		Orders:        orders,
		Items:         items,
		Organizations: orgs,
		Credentials:   creds,
		Messages:      msgs,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create fulfillment handler"})
	}
	ff.Register(reg)

	inv, err := invoicesync.New(invoicesync.Options{Credentials: creds, Messages: msgs})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create invoice sync handler"})
	}
	inv.Register(reg)

	proc, err := processor.New(processor.Options{Store: msgs, Queue: queue, Bus: b, Registry: reg})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create processor"})
	}
	pendingSweeper, err := processor.NewSweeper(processor.SweeperOptions{Store: msgs, Queue: queue})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create pending sweeper"})
	}
	backorderSweeper, err := fulfillment.NewSweeper(fulfillment.SweeperOptions{
		Orders:   orders,
		Messages: msgs,
		Queue:    queue,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create backorder sweeper"})
	}

	ing, err := ingress.New(ingress.Options{Store: msgs, Queue: queue, Credentials: creds})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "create ingress server"})
	}

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", ing.Handler())
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(msgs, orders, creds, redisPinger{redisClient})))
	mux.Handle("GET /livez", health.Handler(health.NewChecker()))
	if *dbgF {
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
	}
	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	srv := &http.Server{Addr: *httpAddrF, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "starting %d message workers", *workersF)
		if err := queue.Run(ctx, *workersF, proc.Process); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pendingSweeper.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := backorderSweeper.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", *httpAddrF)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", *httpAddrF)
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// redisPinger exposes the Redis connection to the health checker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
