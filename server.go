package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/syncstore/cache"
	"github.com/mozilla-services/syncstore/config"
	"github.com/mozilla-services/syncstore/storage"
	"github.com/mozilla-services/syncstore/web"
)

func main() {
	switch config.Log.Level {
	case "panic":
		log.SetLevel(log.PanicLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if config.Log.Mozlog {
		log.SetFormatter(&web.MozlogFormatter{
			Hostname: config.Hostname,
			Pid:      os.Getpid(),
		})
	}

	store, err := storage.NewShardedStore(
		config.ShardPaths(),
		config.Storage.QuotaKB*1024,
		config.Storage.MaxPayloadBytes,
	)
	if err != nil {
		log.WithFields(log.Fields{"err": err.Error()}).Fatal("could not open shards")
	}
	defer store.Close()

	cached, err := cache.New(store, cache.Config{
		MaxUsers:             config.Cache.MaxUsers,
		EphemeralCollections: config.EphemeralCollectionNames(),
		EphemeralMaxMB:       config.Cache.EphemeralMaxMB,
		MaxPayloadSize:       config.Storage.MaxPayloadBytes,
		MaxDailyWriteBytes:   config.Cache.MaxDailyWriteBytes,
	})
	if err != nil {
		log.WithFields(log.Fields{"err": err.Error()}).Fatal("could not build cache")
	}

	syncHandler := web.NewSyncHandler(cached, web.Config{
		MaxPayloadSize: config.Storage.MaxPayloadBytes,
		MaxPostRecords: config.Storage.MaxPostRecords,
		MaxPostBytes:   config.Storage.MaxPostBytes,
	})

	var handler http.Handler = web.WeaveTimestampHandler(syncHandler)
	handler = web.NewInfoHandler(handler, func() error {
		// any shard answering means we can serve
		_, err := store.Shard(0).Usage()
		return err
	})
	handler = web.NewLogHandler(log.StandardLogger(), handler)

	if config.EnablePprof {
		log.Info("pprof enabled at /debug/pprof/")
		handler = pprofHandler(handler)
	}

	addr := config.Host + ":" + strconv.Itoa(config.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":   addr,
			"shards": store.NumShards(),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{"err": err.Error()}).Fatal("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")

	// stop taking new sync traffic, drain what is in flight
	syncHandler.StopHTTP()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithFields(log.Fields{"err": err.Error()}).Error("shutdown error")
	}

	if purged, err := store.PurgeExpired(); err == nil {
		log.WithFields(log.Fields{"bsos_purged": purged}).Info("final purge")
	}

	log.Info("server stopped")
}

// pprofHandler routes /debug/pprof/ to the registered pprof handlers
// and everything else to h
func pprofHandler(h http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/", h)
	return mux
}
