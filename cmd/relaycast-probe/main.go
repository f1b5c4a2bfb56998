package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/relaycast/go-relaycast-client/pkg/relaycast"
)

// relaycast-probe opens one feed and tails its traffic, exposing the
// client's connection counters on /metrics.  Handy for checking broker
// reachability and watching the endpoint fallback behave.
//
// Configuration comes from relaycast-probe.yaml in the working
// directory or RELAYCAST_* environment variables:
//
//	RELAYCAST_API_KEY      broker API key (required)
//	RELAYCAST_BASE_URL     broker root URL (required)
//	RELAYCAST_PROJECT      project name (required)
//	RELAYCAST_CHANNEL      channel name (required)
//	RELAYCAST_FEED         connector name (default: the shared default feed)
//	RELAYCAST_LOG_LEVEL    zerolog level (default: info)
//	RELAYCAST_METRICS_ADDR prometheus listen address (default: :9100)

func main() {
	viper.SetDefault("feed", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("metrics_addr", ":9100")

	viper.SetEnvPrefix("relaycast")
	viper.AutomaticEnv()
	viper.SetConfigName("relaycast-probe")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
			os.Exit(1)
		}
	}

	for _, required := range []string{"api_key", "base_url", "project", "channel"} {
		if viper.GetString(required) == "" {
			fmt.Fprintf(os.Stderr, "missing required setting %q\n", required)
			os.Exit(1)
		}
	}

	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level: %v\n", err)
		os.Exit(1)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	client, err := relaycast.New(relaycast.Config{
		APIKey:  strings.TrimSpace(viper.GetString("api_key")),
		BaseURL: viper.GetString("base_url"),
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("building client")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(relaycast.NewCollector(client))
	go func() {
		addr := viper.GetString("metrics_addr")
		logger.Info().Str("addr", addr).Msg("serving metrics")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	project := client.Project(viper.GetString("project"))
	feed := project.Feed(relaycast.FeedDescription{
		Channel: viper.GetString("channel"),
		Name:    viper.GetString("feed"),
		OnOpen: func(f *relaycast.Feed) {
			logger.Info().Str("feedKey", f.FeedKey()).Msg("feed open")
		},
		OnClose: func(*relaycast.Feed) {
			logger.Info().Msg("feed closed")
		},
		OnMsgReceived: func(_ *relaycast.Feed, msg json.RawMessage) {
			fmt.Println(string(msg))
		},
		OnError: func(_ *relaycast.Feed, errMsg json.RawMessage) {
			logger.Error().RawJSON("err", errMsg).Msg("feed error")
		},
	})
	if feed == nil {
		logger.Fatal().Msg("feed description rejected")
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	logger.Info().Msg("shutting down")
	feed.Close()
	client.ForceShutdown()
}
