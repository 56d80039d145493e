package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/netplay/internal/desync"
	"github.com/blukai/netplay/internal/inputbuffer"
	"github.com/blukai/netplay/internal/netplay"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

const (
	frameInterval = time.Second / 60
	// timebaseEvery is how many frames pass between desync reports.
	timebaseEvery = 60
)

type Config struct {
	ServerAddr string `envconfig:"NETPLAY_SERVER_ADDR" required:"true" default:"127.0.0.1:2626"`
	Nickname   string `envconfig:"NETPLAY_NICKNAME" default:"Player"`
	BufferSize uint32 `envconfig:"NETPLAY_CLIENT_BUFFER_SIZE" default:"1"`
	SaveDir    string `envconfig:"NETPLAY_SAVE_DIR"`
	// CheckRoom fetches the room status before joining.
	CheckRoom  bool   `envconfig:"NETPLAY_CHECK_ROOM" default:"false"`

	// Game and GamePath describe the local copy of the game the room
	// selects, so md5 requests can be answered.
	Game     string `envconfig:"NETPLAY_GAME"`
	GamePath string `envconfig:"NETPLAY_GAME_PATH"`

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

// logUI writes client notifications to the log and hands game starts to the
// frame loop.
type logUI struct {
	netplay.NopClientUI

	logger *log.Logger
	starts chan netplay.GameStart
}

func (u *logUI) AppendChat(msg string) { u.logger.Info().Str("chat", msg).Msg("chat") }

func (u *logUI) OnPlayerConnect(name string) {
	u.logger.Info().Str("name", name).Msg("player joined")
}

func (u *logUI) OnPlayerDisconnect(name string) {
	u.logger.Info().Str("name", name).Msg("player left")
}

func (u *logUI) OnMsgChangeGame(identifier string) {
	u.logger.Info().Str("game", identifier).Msg("game changed")
}

func (u *logUI) OnMsgStartGame(start netplay.GameStart) {
	u.logger.Info().Uint32("game_id", start.GameID).Str("region", start.Region).Msg("game started")
	select {
	case u.starts <- start:
	default:
		u.logger.Warn().Uint32("game_id", start.GameID).Msg("frame loop is busy, start dropped")
	}
}

func (u *logUI) OnMsgStopGame() { u.logger.Info().Msg("game stopped") }

func (u *logUI) OnPadBufferChanged(size uint32) {
	u.logger.Info().Uint32("size", size).Msg("pad buffer changed")
}

func (u *logUI) OnHostInputAuthorityChanged(enabled bool) {
	u.logger.Info().Bool("enabled", enabled).Msg("host input authority changed")
}

func (u *logUI) OnDesync(frame uint32, player string) {
	u.logger.Warn().Uint32("frame", frame).Str("blamed", player).Msg("desync")
}

func (u *logUI) OnSaveDataSynced(ok bool) {
	u.logger.Info().Bool("ok", ok).Msg("save data synchronized")
}

func (u *logUI) OnConnectionLost() { u.logger.Error().Msg("connection lost") }

// playGame advances frames with idle local input until the game stops,
// reporting a checksum of the consumed input every timebaseEvery frames.
func playGame(ctx context.Context, client *netplay.Client, logger *log.Logger) {
	idle := func(int) protocol.PadStatus { return protocol.PadStatus{} }

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var state [][]byte
	for frame := uint32(0); ; frame++ {
		for slot := 0; slot < protocol.MaxPads; slot++ {
			status, err := client.GetNetPad(ctx, slot, idle)
			if err != nil {
				if !errors.Is(err, inputbuffer.ErrStopped) && !errors.Is(err, netplay.ErrNotRunning) && ctx.Err() == nil {
					logger.Error().Int("slot", slot).Msgf("could not read pad: %v", err)
				}
				return
			}
			data, _ := status.MarshalBinary()
			state = append(state, data)
		}

		if frame%timebaseEvery == 0 {
			client.SendTimebase(frame, desync.Checksum(state...))
			state = state[:0]
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.CheckRoom {
		status, err := netplay.FetchRoomStatus(ctx, config.ServerAddr, logger)
		if err != nil {
			return fmt.Errorf("could not check room: %w", err)
		}
		logger.Info().
			Str("room", status.Room).
			Str("state", status.State).
			Str("game", status.Game).
			Int("players", len(status.Players)).
			Msg("room")
	}

	clientConfig := netplay.DefaultClientConfig()
	clientConfig.Name = config.Nickname
	clientConfig.BufferSize = config.BufferSize
	if config.SaveDir != "" {
		clientConfig.Storage = savesync.NewDirStorage(config.SaveDir)
	}
	if config.Game != "" {
		clientConfig.Games = netplay.GameMap{
			config.Game: {Identifier: config.Game, Path: config.GamePath},
		}
	}

	ui := &logUI{logger: logger, starts: make(chan netplay.GameStart, 1)}
	client, err := netplay.NewClient(ctx, config.ServerAddr, clientConfig, ui, logger)
	if err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}
	logger.Info().
		Uint64("pid", uint64(client.ID())).
		Bool("host", client.IsHost()).
		Msg("connected")

	wg := new(sync.WaitGroup)

	wg.Add(1)
	var clientRunErr error
	go func() {
		defer wg.Done()
		defer cancel()
		clientRunErr = client.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ui.starts:
				playGame(ctx, client, logger)
			case <-ctx.Done():
				return
			}
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()
	if clientRunErr != nil {
		return fmt.Errorf("client run failed: %w", clientRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "netplay client: %v\n", err)
		os.Exit(42)
	}
}
