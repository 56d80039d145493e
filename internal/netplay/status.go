package netplay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/phuslu/log"
	"github.com/rs/cors"
)

// StatusPath is where a server reports its room, next to the transport.
const StatusPath = "/status"

type PlayerStatus struct {
	PID        uint8  `json:"pid"`
	Name       string `json:"name"`
	Revision   string `json:"revision"`
	Ping       uint32 `json:"ping"`
	GameStatus string `json:"game_status"`
}

// RoomStatus is a read only view of a room, served as JSON.
type RoomStatus struct {
	Room               string         `json:"room"`
	State              string         `json:"state"`
	Game               string         `json:"game"`
	HostInputAuthority bool           `json:"host_input_authority"`
	PadBuffer          uint32         `json:"pad_buffer"`
	Players            []PlayerStatus `json:"players"`
}

func (s *Server) Status() RoomStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := RoomStatus{
		Room:               s.roomID.String(),
		State:              s.state.String(),
		Game:               s.selectedGame,
		HostInputAuthority: s.hostInputAuthority,
		PadBuffer:          s.bufferSize,
		Players:            []PlayerStatus{},
	}
	for _, p := range s.players.Players() {
		status.Players = append(status.Players, PlayerStatus{
			PID:        uint8(p.PID),
			Name:       p.Name,
			Revision:   p.Revision,
			Ping:       p.Ping,
			GameStatus: p.GameStatus.String(),
		})
	}
	return status
}

func (s *Server) statusHandler() http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			s.logger.Error().
				Str("addr", r.RemoteAddr).
				Msgf("could not write status: %v", err)
		}
	})

	// room browsers are web pages on other origins
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(h)
}

const (
	statusRetryMax     = 4
	statusRetryWaitMin = 100 * time.Millisecond
	statusRetryWaitMax = 2 * time.Second
)

// FetchRoomStatus asks the server at address for its room status, retrying
// while it is not up yet.
func FetchRoomStatus(ctx context.Context, address string, logger *log.Logger) (RoomStatus, error) {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultClient()
	client.Logger = retryLogger{logger: silence(logger)}
	client.RetryMax = statusRetryMax
	client.RetryWaitMin = statusRetryWaitMin
	client.RetryWaitMax = statusRetryWaitMax

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+StatusPath, nil)
	if err != nil {
		return RoomStatus{}, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return RoomStatus{}, fmt.Errorf("could not fetch room status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RoomStatus{}, fmt.Errorf("could not fetch room status: %s", resp.Status)
	}

	var status RoomStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return RoomStatus{}, fmt.Errorf("could not decode room status: %w", err)
	}
	return status, nil
}

// retryLogger routes retryablehttp's leveled logs to phuslu/log.
type retryLogger struct {
	logger *log.Logger
}

var _ retryablehttp.LeveledLogger = retryLogger{}

func (l retryLogger) Error(msg string, kv ...any) { withPairs(l.logger.Error(), kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...any)  { withPairs(l.logger.Info(), kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...any) { withPairs(l.logger.Debug(), kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...any)  { withPairs(l.logger.Warn(), kv).Msg(msg) }

func withPairs(e *log.Entry, kv []any) *log.Entry {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Any(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}
