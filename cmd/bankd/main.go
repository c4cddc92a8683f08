// Command bankd serves the example account service.
//
//	bankd -addr :8080 -etcd localhost:2379 -advertise http://10.0.0.5:8080
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/discovery"
	"github.com/luciancaetano/kephasrpc/examples/bank"
	"github.com/luciancaetano/kephasrpc/server"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints; empty disables discovery")
	advertise := flag.String("advertise", "", "base URL published in etcd (default http://<listen address>)")
	rps := flag.Float64("rate", 100, "unary calls per second, 0 for unlimited")
	burst := flag.Int("burst", 200, "unary call burst")
	timeout := flag.Duration("timeout", 30*time.Second, "unary call timeout")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := server.NewConfig(*addr, server.DefaultRateLimitConfig(), server.AllOrigins(),
		func(s kephasrpc.Session) {
			logger.Info("client connected", zap.String("id", s.ID()), zap.String("remote_addr", s.RemoteAddr()))
		},
		func(s kephasrpc.Session, voluntary bool) {
			logger.Info("client disconnected", zap.String("id", s.ID()), zap.Bool("voluntary", voluntary))
		})
	cfg.Logger = logger
	cfg.Exceptions = bank.Exceptions()
	cfg.AdvertiseURL = *advertise
	cfg.Middlewares = []server.Middleware{
		server.LoggingMiddleware(logger),
		server.TimeoutMiddleware(*timeout),
	}
	if *rps > 0 {
		cfg.Middlewares = append(cfg.Middlewares, server.RateLimitMiddleware(rate.Limit(*rps), *burst))
	}

	if *etcd != "" {
		reg, err := discovery.NewRegistry(discovery.Config{
			Endpoints: strings.Split(*etcd, ","),
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal("failed to connect to etcd", zap.Error(err))
		}
		defer reg.Close()
		cfg.Publisher = reg
	}

	srv := server.New(cfg)
	if err := srv.RegisterService(ctx, bank.Service(bank.NewLedger("bankd", logger))); err != nil {
		logger.Fatal("failed to register service", zap.Error(err))
	}
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	for _, r := range srv.Routes() {
		logger.Debug("route", zap.String("method", r.Service+"."+r.Method), zap.String("verb", string(r.Verb)), zap.String("path", r.Path))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
