package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/middec/middec/internal/domain/calculation"
)

// ErrServerClosing is reported to a live query when the server shuts down.
var ErrServerClosing = errors.New("server is shutting down")

const dialTimeout = 10 * time.Second

// RemoteStore is a record store backed by a middec server: creates go over
// HTTP and live queries over the WebSocket endpoint.
type RemoteStore struct {
	client *Client
	dialer *websocket.Dialer
}

func NewRemoteStore(c *Client) *RemoteStore {
	return &RemoteStore{
		client: c,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

func (s *RemoteStore) Create(ctx context.Context, rec *calculation.Record) (string, error) {
	return s.client.Create(ctx, rec)
}

func (s *RemoteStore) liveURL(q calculation.Query) string {
	base := s.client.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := base + apiPrefix + "/calculations/live"
	if enc := q.Values().Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// Subscribe opens a live query. Frames are delivered from a single goroutine
// in the order the server sent them. A dropped connection is reported through
// onError and ends the subscription.
func (s *RemoteStore) Subscribe(q calculation.Query, onSnapshot func([]*calculation.Record), onError func(error)) (calculation.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	header := http.Header{}
	if tok := s.client.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, resp, err := s.dialer.DialContext(ctx, s.liveURL(q.Normalize()), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("live query rejected: %v", err)}
		}
		return nil, fmt.Errorf("dial live query: %w", err)
	}

	sub := &remoteSubscription{conn: conn}
	go sub.read(onSnapshot, onError)
	return sub, nil
}

type remoteSubscription struct {
	conn   *websocket.Conn
	closed atomic.Bool
	once   sync.Once
}

func (r *remoteSubscription) read(onSnapshot func([]*calculation.Record), onError func(error)) {
	defer r.conn.Close()
	report := func(err error) {
		if onError != nil && !r.closed.Load() {
			onError(err)
		}
	}
	for {
		var frame calculation.LiveFrame
		if err := r.conn.ReadJSON(&frame); err != nil {
			report(fmt.Errorf("live query connection: %w", err))
			return
		}
		if r.closed.Load() {
			return
		}
		switch frame.Type {
		case calculation.FrameSnapshot:
			if frame.Records == nil {
				frame.Records = []*calculation.Record{}
			}
			onSnapshot(frame.Records)
		case calculation.FrameError:
			report(errors.New(frame.Error))
		case calculation.FrameClosing:
			report(ErrServerClosing)
			return
		}
	}
}

func (r *remoteSubscription) Unsubscribe() {
	r.once.Do(func() {
		r.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		r.conn.Close()
	})
}
