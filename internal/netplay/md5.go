package netplay

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/blukai/netplay/internal/protocol"
)

const md5ChunkSize = 1 << 20

// startMD5 hashes the local copy of a game off the service goroutine,
// reporting progress and the outcome to the server. A running job is
// cancelled first.
func (c *Client) startMD5(identifier string) {
	c.cancelMD5()

	g, ok := c.config.Games.FindGameFile(identifier)
	if !ok {
		c.send(md5Outcome(protocol.MsgMD5Error, "file not found"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.md5Cancel = cancel

	go func() {
		defer cancel()

		sum, err := hashFile(ctx, g.Path, func(percent int32) {
			w := protocol.NewMessage(protocol.MsgMD5Progress)
			w.WriteI32(percent)
			c.sendAsync(w.Bytes())
		})
		if ctx.Err() != nil {
			// aborted; nobody waits for an answer
			return
		}
		if err != nil {
			c.logger.Error().
				Str("game", identifier).
				Msgf("could not hash game: %v", err)
			c.sendAsync(md5Outcome(protocol.MsgMD5Error, err.Error()))
			return
		}

		c.logger.Info().
			Str("game", identifier).
			Str("md5", sum).
			Msg("game hashed")
		c.sendAsync(md5Outcome(protocol.MsgMD5Result, sum))
	}()
}

// cancelMD5 stops a running job. Service goroutine only.
func (c *Client) cancelMD5() {
	if c.md5Cancel != nil {
		c.md5Cancel()
		c.md5Cancel = nil
	}
}

func md5Outcome(id protocol.MessageID, text string) []byte {
	w := protocol.NewMessage(id)
	w.WriteString(text)
	return w.Bytes()
}

// hashFile returns the hex md5 of the file at path, calling progress each
// time the whole percentage read changes.
func hashFile(ctx context.Context, path string, progress func(percent int32)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("could not stat: %w", err)
	}
	size := info.Size()

	h := md5.New()
	buf := make([]byte, md5ChunkSize)
	var read int64
	last := int32(-1)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)

			percent := int32(100)
			if size > 0 {
				percent = int32(read * 100 / size)
			}
			if percent != last {
				last = percent
				progress(percent)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("could not read: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
