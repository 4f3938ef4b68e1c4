package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/keysync"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const readLimit = 1 << 20

// frame is one realtime message from the directory.
type frame struct {
	Op        string `json:"op"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	KeyType   string `json:"key_type"`
	KeyID     string `json:"key_id"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// subscription follows one path. A single goroutine owns the connection:
// it reads frames, reconnects with backoff when the connection drops,
// and closes the changes channel on exit.
type subscription struct {
	client *Client
	path   string
	logger *slog.Logger

	changes chan keysync.Change
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

var _ keysync.Subscription = (*subscription)(nil)

// Subscribe dials the realtime endpoint for path. ctx bounds the first
// dial only; the subscription lives until Close. Authentication failures
// are returned directly; later disconnects surface as Change.Err while
// the subscription reconnects.
func (c *Client) Subscribe(ctx context.Context, path string) (keysync.Subscription, error) {
	conn, err := c.dial(ctx, path)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s := &subscription{
		client:  c,
		path:    path,
		logger:  c.logger.With(slog.String("path", path)),
		changes: make(chan keysync.Change, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run(runCtx, conn)

	return s, nil
}

func (s *subscription) Changes() <-chan keysync.Change {
	return s.changes
}

// Close stops the subscription and waits for its goroutine. The changes
// channel is closed when Close returns.
func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done

	return nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limited: %w", errs.ErrDirectory, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.wsBase + "/v1/subscribe?path=" + url.QueryEscape(path)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && isPermanentStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w: dialing %s: http %d", errs.ErrDirectory, errs.ErrPermanent, path, resp.StatusCode)
		}

		return nil, fmt.Errorf("%w: dialing %s: %w", errs.ErrDirectory, path, err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.changes)

	backoff := s.client.reconnectMin

	for {
		err := s.serve(ctx, conn)
		conn.CloseNow()

		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("subscription lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		s.send(ctx, keysync.Change{Err: fmt.Errorf("connection lost: %w", err)})

		for {
			jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
			timer := time.NewTimer(backoff + jitter)

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			conn, err = s.client.dial(ctx, s.path)
			if err == nil {
				break
			}

			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, errs.ErrPermanent) {
				s.logger.Error("subscription rejected, giving up", slog.String("error", err.Error()))
				s.send(ctx, keysync.Change{Err: err})

				return
			}

			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, s.client.reconnectMax)
		}

		backoff = s.client.reconnectMin
		s.logger.Info("subscription reconnected")
	}
}

// serve reads frames until the connection fails or ctx ends. A ping
// goroutine detects half-open connections.
func (s *subscription) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeat(connCtx, conn)

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if ch, ok := s.decode(data); ok {
			s.send(connCtx, ch)
		}
	}
}

func (s *subscription) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.client.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.client.timeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil && ctx.Err() == nil {
				s.logger.Warn("ping failed, closing connection", slog.String("error", err.Error()))
				conn.Close(websocket.StatusGoingAway, "ping timeout")

				return
			}
		}
	}
}

// decode turns a text frame into a Change. Frames that carry nothing for
// the consumer report ok=false.
func (s *subscription) decode(data []byte) (keysync.Change, bool) {
	switch op := gjson.GetBytes(data, "op").String(); op {
	case "upsert", "delete":
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return keysync.Change{Err: fmt.Errorf("decoding %s frame: %w", op, err)}, true
		}

		kind := keysync.ChangeUpsert
		if op == "delete" {
			kind = keysync.ChangeDelete
		}

		return keysync.Change{
			Kind:      kind,
			UserID:    f.UserID,
			DeviceID:  f.DeviceID,
			KeyType:   f.KeyType,
			KeyID:     f.KeyID,
			Data:      f.Data,
			Timestamp: f.Timestamp,
		}, true
	case "error":
		return keysync.Change{Err: fmt.Errorf("directory: %s", gjson.GetBytes(data, "message").String())}, true
	case "pong", "ready":
		return keysync.Change{}, false
	default:
		s.logger.Debug("unknown frame op", slog.String("op", op))
		return keysync.Change{}, false
	}
}

// send delivers ch unless the subscription is shutting down.
func (s *subscription) send(ctx context.Context, ch keysync.Change) {
	select {
	case s.changes <- ch:
	case <-ctx.Done():
	}
}
