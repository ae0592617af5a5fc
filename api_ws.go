package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	// Public, read-only stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is one message on the event stream.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsBlock struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	Producer  string `json:"producer"`
	Round     uint32 `json:"round"`
	Timestamp int64  `json:"timestamp"`
	TxCount   int    `json:"tx_count"`
	Proofs    int    `json:"proof_count"`
}

// handleWS streams new main-chain blocks over a websocket.
// Event types: connected, new_block
// GET /api/ws
func (s *APIServer) handleWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	blockCh := s.daemon.SubscribeBlocks()
	defer s.daemon.UnsubscribeBlocks(blockCh)

	// The reader only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					zap.S().Debugf("[api] websocket read: %v", err)
				}
				return
			}
		}
	}()

	stats := s.daemon.Stats()
	if err := writeWSEvent(conn, "connected", gin.H{
		"chain_height": stats.ChainHeight,
		"best_hash":    stats.BestHash,
		"syncing":      stats.Syncing,
	}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case block, ok := <-blockCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "node shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeWSEvent(conn, "new_block", wsBlock{
				Height:    block.Header.Height,
				Hash:      block.Hash().String(),
				Producer:  block.Header.Producer,
				Round:     block.Header.Round,
				Timestamp: block.Header.Timestamp,
				TxCount:   len(block.Transactions),
				Proofs:    len(block.Proofs),
			}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeWSEvent(conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(wsEvent{Type: typ, Data: data})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
