package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"relaychat/internal/arbiter"
)

const wsWriteWait = 10 * time.Second

// wsCommand is a client frame on the websocket.
type wsCommand struct {
	Type    string       `json:"type"`
	Message inputRequest `json:"message"`
	Index   int          `json:"index"`
}

type wsFrame struct {
	Type     string            `json:"type"`
	Snapshot *arbiter.Snapshot `json:"snapshot,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// socket pushes snapshots like events and accepts submit, cancel and
// regenerate commands on the same connection.
func (h *Handler) socket(c *gin.Context) {
	a, ok := h.ensure(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	current := a.Snapshot()
	updates, err := h.snapshots.Subscribe(ctx, a.SessionID(), current.Version)
	if err != nil {
		_ = writeFrame(conn, wsFrame{Type: "error", Error: err.Error()})
		return
	}

	// gorilla connections allow one concurrent writer
	frames := make(chan wsFrame, 16)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd wsCommand
			if err = json.Unmarshal(data, &cmd); err != nil {
				err = errors.New("invalid command")
			} else {
				err = h.runCommand(ctx, a, cmd)
			}
			if err == nil {
				continue
			}
			select {
			case frames <- wsFrame{Type: "error", Error: err.Error()}:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := writeFrame(conn, wsFrame{Type: "snapshot", Snapshot: &current}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if err := writeFrame(conn, f); err != nil {
				return
			}
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := writeFrame(conn, wsFrame{Type: "snapshot", Snapshot: &s}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) runCommand(ctx context.Context, a *arbiter.Arbiter, cmd wsCommand) error {
	switch cmd.Type {
	case "submit":
		return a.Submit(ctx, cmd.Message.toRequest())
	case "cancel":
		a.Cancel()
		return nil
	case "regenerate":
		return a.Regenerate(ctx, cmd.Index)
	default:
		return errors.Errorf("unknown command %q", cmd.Type)
	}
}

func writeFrame(conn *websocket.Conn, f wsFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}
