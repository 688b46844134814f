package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"session-service/internal/session"
)

// Command types accepted on a session websocket.
const (
	CmdSetPlayback = "set-playback"
	CmdSetCurrent  = "set-current"
	CmdAdvance     = "advance"
	CmdEnqueue     = "enqueue"
	CmdRemove      = "remove"
	CmdMove        = "move"
	CmdSnapshot    = "snapshot"
)

const commandTimeout = 10 * time.Second

// Command is a client request sent over the websocket. ID is echoed back in
// the reply so clients can match answers to requests.
type Command struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Track      *session.Track `json:"track,omitempty"`
	Playing    *bool          `json:"playing,omitempty"`
	PositionMs *int64         `json:"positionMs,omitempty"`
	ItemID     string         `json:"itemId,omitempty"`
	Position   int            `json:"position,omitempty"`
	// Echo=false keeps the resulting broadcast away from the sender's own
	// connections.
	Echo *bool `json:"echo,omitempty"`
}

// Reply answers a Command.
type Reply struct {
	Type  string `json:"type"` // "ack" or "error"
	ID    string `json:"id,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func errorReply(id, code, msg string) []byte {
	b, _ := json.Marshal(Reply{Type: "error", ID: id, Code: code, Error: msg})
	return b
}

func ackReply(id string, data any) []byte {
	b, err := json.Marshal(Reply{Type: "ack", ID: id, Data: data})
	if err != nil {
		return errorReply(id, "internal", "encode reply")
	}
	return b
}

// handleCommand runs one websocket command against the engine and answers
// on the same connection.
func (s *Server) handleCommand(c *Client, msg []byte) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		c.reply(errorReply("", session.ErrInvalidArgument.Code, "invalid JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if cmd.Echo != nil && !*cmd.Echo {
		ctx = session.WithoutEcho(ctx)
	}

	data, err := s.dispatch(ctx, c, cmd)
	if err != nil {
		var e *session.Error
		if errors.As(err, &e) {
			c.reply(errorReply(cmd.ID, e.Code, e.Message))
			return
		}
		s.logger.Warn("session-service: ws command failed",
			slog.String("session_id", c.sessionID),
			slog.String("user_id", c.userID),
			slog.String("command", cmd.Type),
			slog.Any("error", err))
		c.reply(errorReply(cmd.ID, session.ErrUnavailable.Code, session.ErrUnavailable.Message))
		return
	}
	c.reply(ackReply(cmd.ID, data))
}

func (s *Server) dispatch(ctx context.Context, c *Client, cmd Command) (any, error) {
	sid, uid := c.sessionID, c.userID
	switch cmd.Type {
	case CmdSnapshot:
		return s.engine.Snapshot(ctx, sid, uid)

	case CmdSetPlayback:
		return s.engine.SetPlayback(ctx, sid, uid, cmd.Playing, cmd.PositionMs)

	case CmdSetCurrent:
		if cmd.Track == nil {
			return nil, session.ErrInvalidArgument
		}
		playing := true
		if cmd.Playing != nil {
			playing = *cmd.Playing
		}
		var pos int64
		if cmd.PositionMs != nil {
			pos = *cmd.PositionMs
		}
		return s.engine.SetCurrent(ctx, sid, uid, s.enrich(ctx, *cmd.Track), playing, pos)

	case CmdAdvance:
		return s.engine.Advance(ctx, sid, uid)

	case CmdEnqueue:
		if cmd.Track == nil {
			return nil, session.ErrInvalidArgument
		}
		return s.engine.Enqueue(ctx, sid, uid, s.enrich(ctx, *cmd.Track))

	case CmdRemove:
		return nil, s.engine.RemoveQueueItem(ctx, sid, uid, cmd.ItemID)

	case CmdMove:
		from, to, err := s.engine.MoveQueueItem(ctx, sid, uid, cmd.ItemID, cmd.Position)
		if err != nil {
			return nil, err
		}
		return map[string]int{"from": from, "to": to}, nil
	}
	return nil, session.ErrInvalidArgument
}

func (s *Server) enrich(ctx context.Context, t session.Track) session.Track {
	if s.tracks == nil {
		return t
	}
	return s.tracks.Enrich(ctx, t)
}
