package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/logging"
)

// ChangeMessage is what the remote pushes when documents change elsewhere.
type ChangeMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
}

// MessageDocumentsChanged is the only message type acted on.
const MessageDocumentsChanged = "documents.changed"

// Notifier keeps a websocket open to the remote's change feed and calls
// OnChange for every change message. It reconnects with capped backoff and
// stays idle while no token is available.
type Notifier struct {
	URL      string
	Tokens   TokenSource
	OnChange func(ChangeMessage)

	Dialer   *websocket.Dialer
	MinDelay time.Duration
	MaxDelay time.Duration
	Logger   *zap.Logger
}

// Run blocks until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	log := logging.OrNop(n.Logger)
	dialer := n.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	minDelay, maxDelay := n.MinDelay, n.MaxDelay
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = 30 * time.Second
	}

	delay := minDelay
	for {
		token := ""
		if n.Tokens != nil {
			token = n.Tokens.Token()
		}
		if token != "" {
			header := http.Header{}
			header.Set("Authorization", "Bearer "+token)
			conn, _, err := dialer.DialContext(ctx, n.URL, header)
			if err == nil {
				delay = minDelay
				n.read(ctx, conn, log)
			} else if ctx.Err() == nil {
				log.Debug("change feed dial failed", zap.String("url", n.URL), zap.Error(err))
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (n *Notifier) read(ctx context.Context, conn *websocket.Conn, log *zap.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Warn("change feed closed", zap.Error(err))
			}
			return
		}
		var msg ChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("ignoring malformed change message", zap.Error(err))
			continue
		}
		if msg.Type != MessageDocumentsChanged {
			continue
		}
		if n.OnChange != nil {
			n.OnChange(msg)
		}
	}
}
