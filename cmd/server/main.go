package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/netplay/internal/netplay"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ListenAddr         string `envconfig:"NETPLAY_LISTEN_ADDR" required:"true" default:"0.0.0.0:2626"`
	BufferSize         uint32 `envconfig:"NETPLAY_BUFFER_SIZE" default:"5"`
	HostInputAuthority bool   `envconfig:"NETPLAY_HOST_INPUT_AUTHORITY" default:"false"`
	AssignHostPad      bool   `envconfig:"NETPLAY_ASSIGN_HOST_PAD" default:"true"`
	StopOnDesync       bool   `envconfig:"NETPLAY_STOP_ON_DESYNC" default:"false"`
	SyncSaveData       bool   `envconfig:"NETPLAY_SYNC_SAVE_DATA" default:"true"`
	SaveDir            string `envconfig:"NETPLAY_SAVE_DIR"`

	// Game preselects a game so the room can start without a UI.
	Game       string `envconfig:"NETPLAY_GAME"`
	GameID     string `envconfig:"NETPLAY_GAME_ID"`
	GameRegion string `envconfig:"NETPLAY_GAME_REGION" default:"USA"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.ParseLevel(level)
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

// logUI writes room notifications to the log.
type logUI struct {
	logger *log.Logger
}

func (u logUI) AppendChat(msg string) { u.logger.Info().Str("chat", msg).Msg("chat") }

func (u logUI) OnPlayersChanged() {}

func (u logUI) OnGameStarted(gameID uint32) {
	u.logger.Info().Uint32("game_id", gameID).Msg("room is playing")
}

func (u logUI) OnGameStopped() { u.logger.Info().Msg("room is back in the lobby") }

func (u logUI) OnDesync(frame uint32, blamed string) {
	u.logger.Warn().Uint32("frame", frame).Str("blamed", blamed).Msg("desync")
}

func (u logUI) OnSaveDataSyncFailure() {
	u.logger.Warn().Msg("save data synchronization failed")
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	serverConfig := netplay.DefaultServerConfig()
	serverConfig.BufferSize = config.BufferSize
	serverConfig.HostInputAuthority = config.HostInputAuthority
	serverConfig.AssignHostPad = config.AssignHostPad
	serverConfig.StopOnDesync = config.StopOnDesync
	serverConfig.Settings.SyncSaveData = config.SyncSaveData
	if config.SaveDir != "" {
		serverConfig.Storage = savesync.NewDirStorage(config.SaveDir)
	}
	if config.Game != "" {
		serverConfig.Games = netplay.GameMap{
			config.Game: {
				Identifier: config.Game,
				Title:      savesync.Title{GameID: config.GameID, Region: config.GameRegion},
			},
		}
	}

	server, err := netplay.NewServer(config.ListenAddr, serverConfig, logUI{logger: logger}, logger)
	if err != nil {
		return fmt.Errorf("could not construct server: %w", err)
	}

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var serverRunErr error
	go func() {
		defer wg.Done()
		serverRunErr = server.Run(ctx)
	}()

	if config.Game != "" {
		if err := server.ChangeGame(config.Game); err != nil {
			logger.Error().Msgf("could not select %s: %v", config.Game, err)
		}
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if serverRunErr != nil {
		return fmt.Errorf("server run failed: %w", serverRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "netplay server: %v\n", err)
		os.Exit(42)
	}
}
