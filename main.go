package main

import (
	"flag"
	"io/ioutil"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheRockettek/Magpie/gateway"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "magpie.json", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	configuration := gateway.Configuration{}

	fileBytes, err := ioutil.ReadFile(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to read configuration")
	}

	if err = json.Unmarshal(fileBytes, &configuration); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration")
	}

	manager, err := gateway.NewManager(configuration, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create manager")
	}

	manager.OnError(func(err error) {
		logger.Error().Err(err).Msg("manager error")
	})

	manager.OnShardOnline(func(shardID int) {
		logger.Info().Int("shard", shardID).Msg("shard is now online")
	})

	if err = manager.Open(); err != nil {
		logger.Fatal().Err(err).Msg("failed to open manager")
	}

	logger.Info().Msg("manager has started, do ^C to close")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	manager.Close()
}
