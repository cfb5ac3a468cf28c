package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arcbot/internal/brain"
	"arcbot/internal/chat"
	"arcbot/internal/domain"
)

// ChatHandler is the interface used by the WS handler to answer messages.
// chat.Service implements it.
type ChatHandler interface {
	Handle(ctx context.Context, in chat.Incoming, sink chat.Sink) (brain.Outcome, error)
}

// StickerCollector stores stickers seen in chats so the model can reuse
// them. emoji.Catalog implements it.
type StickerCollector interface {
	Add(e domain.Emoji) (bool, error)
}

// Frame types.
const (
	TypeChat        = "chat"
	TypeSticker     = "sticker"
	TypeStickerAck  = "sticker_ack"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSegments    = "segments"
	TypeTypingStart = "typing_start"
	TypeDone        = "done"
	TypeError       = "error"
)

// WSMessage is the JSON message protocol for the WebSocket gateway.
// Inbound: {"type":"chat","chatId":"42","chatKind":"group","userId":"7","content":"hello"}
// Sticker: {"type":"sticker","emoji":{"emoji_id":"abc","summary":"wave","file":"/srv/abc.png"}}
// Outbound segments frames carry one parsed message each, encoded with
// domain.MarshalSegment.
type WSMessage struct {
	Type      string            `json:"type"`
	ChatID    string            `json:"chatId,omitempty"`
	ChatKind  domain.ChatKind   `json:"chatKind,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	UserName  string            `json:"userName,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Content   string            `json:"content,omitempty"`
	Segments  []json.RawMessage `json:"segments,omitempty"`
	State     string            `json:"state,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	Emoji     *domain.Emoji     `json:"emoji,omitempty"`
	Added     bool              `json:"added,omitempty"`
}

// jsonMarshal is used when encoding WSMessage; tests may replace it to force Marshal errors.
// Access is protected by jsonMarshalMu for race-safe test swaps.
var (
	jsonMarshalMu sync.RWMutex
	jsonMarshal   = json.Marshal
)

// Default upgrader for WebSocket connections.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one connection and counts outbound frames.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	srv  *Server
}

func (c *wsConn) write(msg *WSMessage) error {
	jsonMarshalMu.RLock()
	marshal := jsonMarshal
	jsonMarshalMu.RUnlock()
	data, err := marshal(msg)
	if err != nil {
		c.srv.log().Warn("ws frame encode failed", "type", msg.Type, "error", err)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.srv.metrics.WSMessage("outbound", msg.Type)
	return nil
}

// handleWS upgrades the request and runs a read loop. Chat frames are
// answered in arrival order on the same connection: a typing_start frame,
// one segments frame per parsed message, then a done frame with the final
// turn state. Only GET is accepted for the WebSocket handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn, srv: s}
	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var in WSMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			s.metrics.WSMessage("inbound", "invalid")
			_ = c.write(&WSMessage{Type: TypeError, Content: "invalid JSON"})
			continue
		}
		s.metrics.WSMessage("inbound", in.Type)

		switch in.Type {
		case TypePing:
			_ = c.write(&WSMessage{Type: TypePong})
		case TypeChat:
			s.answer(ctx, c, in)
		case TypeSticker:
			s.collect(c, in)
		default:
			_ = c.write(&WSMessage{Type: TypeError, ChatID: in.ChatID, Content: "unknown message type: " + in.Type})
		}
	}
}

func (s *Server) answer(ctx context.Context, c *wsConn, in WSMessage) {
	if s.chat == nil {
		_ = c.write(&WSMessage{Type: TypeError, ChatID: in.ChatID, Content: "chat is not enabled"})
		return
	}
	if in.ChatID == "" {
		_ = c.write(&WSMessage{Type: TypeError, Content: "chatId is required"})
		return
	}
	kind := in.ChatKind
	switch kind {
	case "":
		kind = domain.ChatPrivate
	case domain.ChatPrivate, domain.ChatGroup:
	default:
		_ = c.write(&WSMessage{Type: TypeError, ChatID: in.ChatID, Content: "invalid chatKind: " + string(kind)})
		return
	}
	key := domain.ChatKey{ChatID: in.ChatID, Kind: kind}

	_ = c.write(&WSMessage{Type: TypeTypingStart, ChatID: in.ChatID, ChatKind: kind})

	sink := chat.SinkFunc(func(_ context.Context, key domain.ChatKey, segs []domain.Segment) error {
		frame := WSMessage{Type: TypeSegments, ChatID: key.ChatID, ChatKind: key.Kind}
		for _, seg := range segs {
			data, err := domain.MarshalSegment(seg)
			if err != nil {
				return err
			}
			frame.Segments = append(frame.Segments, data)
		}
		return c.write(&frame)
	})

	out, err := s.chat.Handle(ctx, chat.Incoming{
		Chat: domain.ChatContext{
			Key:       key,
			UserID:    in.UserID,
			MessageID: in.MessageID,
		},
		UserName: in.UserName,
		Content:  in.Content,
		Time:     time.Now(),
	}, sink)
	if err != nil {
		_ = c.write(&WSMessage{Type: TypeError, ChatID: in.ChatID, ChatKind: kind, Content: err.Error()})
		return
	}
	done := WSMessage{Type: TypeDone, ChatID: in.ChatID, ChatKind: kind, State: string(out.State), Attempts: out.Attempts}
	if out.Err != nil {
		done.Content = out.Err.Error()
	}
	_ = c.write(&done)
}

// collect stores the sticker in a sticker frame and acknowledges it.
// Added is false when the id was already known.
func (s *Server) collect(c *wsConn, in WSMessage) {
	if s.stickers == nil {
		_ = c.write(&WSMessage{Type: TypeError, Content: "stickers are not enabled"})
		return
	}
	if in.Emoji == nil || in.Emoji.ID == "" {
		_ = c.write(&WSMessage{Type: TypeError, Content: "emoji.emoji_id is required"})
		return
	}
	added, err := s.stickers.Add(*in.Emoji)
	if err != nil {
		s.log().Warn("sticker rejected", "emoji_id", in.Emoji.ID, "error", err)
		_ = c.write(&WSMessage{Type: TypeError, Content: err.Error()})
		return
	}
	if added {
		s.log().Info("sticker stored", "emoji_id", in.Emoji.ID)
	}
	_ = c.write(&WSMessage{Type: TypeStickerAck, Emoji: &domain.Emoji{ID: in.Emoji.ID}, Added: added})
}
