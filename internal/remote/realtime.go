package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/tonimelisma/researchroom/internal/record"
)

// Phoenix channel protocol constants.
const (
	heartbeatInterval = 25 * time.Second
	joinTimeout       = 10 * time.Second
	leaveTimeout      = 2 * time.Second
	readLimit         = 8 << 20
	initialReconnect  = 1 * time.Second
	maxReconnect      = 30 * time.Second
	protocolVersion   = "1.0.0"

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"
	phoenixTopic   = "phoenix"
	replyStatusOK  = "ok"
)

// ErrRealtimeDisabled is returned by SubscribeToChanges when the client
// was built without a websocket endpoint.
var ErrRealtimeDisabled = errors.New("remote: realtime disabled")

// phxMessage is one Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type      string          `json:"type"`
		Table     string          `json:"table"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

// SubscribeToChanges joins a channel for collection rows matching filter
// and calls fn for every change the server pushes. The first join happens
// before SubscribeToChanges returns, so a refused join is reported to the
// caller. A connection lost later is re-established with backoff.
func (c *Client) SubscribeToChanges(
	ctx context.Context, collection record.Collection, filter record.Filter, fn record.ChangeFunc,
) (record.Subscription, error) {
	if c.realtimeURL == "" {
		return nil, ErrRealtimeDisabled
	}

	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		client:     c,
		collection: collection,
		filter:     filter,
		fn:         fn,
		topic:      "realtime:" + string(collection) + "-" + uuid.NewString(),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger: c.logger.With(
			slog.String("collection", string(collection)),
			slog.String("filter", filter.String()),
		),
	}

	conn, err := s.connect(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	go s.run(subCtx, conn)

	return s, nil
}

// subscription is one joined channel over its own connection.
type subscription struct {
	client     *Client
	collection record.Collection
	filter     record.Filter
	fn         record.ChangeFunc
	topic      string
	logger     *slog.Logger

	ref    atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
	once   stdsync.Once

	mu   stdsync.Mutex
	conn *websocket.Conn
}

func (s *subscription) nextRef() string {
	return strconv.FormatInt(s.ref.Add(1), 10)
}

func (s *subscription) dialURL() (string, error) {
	u, err := url.Parse(s.client.realtimeURL)
	if err != nil {
		return "", fmt.Errorf("remote: invalid realtime URL: %w", err)
	}

	q := u.Query()
	q.Set("apikey", s.client.apiKey)
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// connect dials and joins the channel, waiting for the join reply.
func (s *subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := s.dialURL()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dialing realtime: %w: %w", record.ErrRemoteUnavailable, err)
	}

	conn.SetReadLimit(readLimit)

	tok, err := s.client.token.Token()
	if err != nil {
		conn.CloseNow()
		return nil, err
	}

	var jp joinPayload
	jp.Config.PostgresChanges = []changeFilter{{
		Event:  "*",
		Schema: "public",
		Table:  string(s.collection),
		Filter: s.filter.String(),
	}}
	jp.AccessToken = tok

	payload, err := json.Marshal(jp)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("remote: encoding join: %w", err)
	}

	ref := s.nextRef()
	join := phxMessage{Topic: s.topic, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref}

	if err := wsjson.Write(dialCtx, conn, join); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("remote: sending join: %w: %w", record.ErrRemoteUnavailable, err)
	}

	for {
		var msg phxMessage
		if err := wsjson.Read(dialCtx, conn, &msg); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("remote: awaiting join reply: %w: %w", record.ErrRemoteUnavailable, err)
		}

		if msg.Event != eventReply || msg.Ref != ref {
			continue
		}

		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("remote: decoding join reply: %w", err)
		}

		if reply.Status != replyStatusOK {
			conn.CloseNow()
			return nil, fmt.Errorf("remote: join refused (%s): %s: %w",
				reply.Status, string(reply.Response), record.ErrPermission)
		}

		break
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Debug("realtime channel joined", slog.String("topic", s.topic))

	return conn, nil
}

// run reads frames until the subscription is closed, reconnecting with
// exponential backoff whenever the connection drops.
func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)

	backoff := initialReconnect

	for {
		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		for {
			if sleepErr := s.client.sleepFunc(ctx, backoff); sleepErr != nil {
				return
			}

			var dialErr error

			conn, dialErr = s.connect(ctx)
			if dialErr == nil {
				backoff = initialReconnect
				break
			}

			if ctx.Err() != nil {
				return
			}

			backoff = min(backoff*2, maxReconnect)
			s.logger.Warn("realtime reconnect failed",
				slog.String("error", dialErr.Error()),
				slog.Duration("backoff", backoff),
			)
		}
	}
}

// serve runs the heartbeat and the read loop on one connection and returns
// when either fails or ctx ends.
func (s *subscription) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg stdsync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		s.heartbeat(connCtx, conn)
	}()

	err := s.readLoop(connCtx, conn)

	cancel()
	conn.CloseNow()
	wg.Wait()

	return err
}

func (s *subscription) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.client.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := phxMessage{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
			if err := wsjson.Write(ctx, conn, hb); err != nil {
				// The read loop notices the broken connection.
				return
			}
		}
	}
}

func (s *subscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg phxMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		switch msg.Event {
		case eventChanges:
			s.dispatch(msg.Payload)
		case eventError, eventClose:
			if msg.Topic == s.topic {
				return fmt.Errorf("channel %s: %s", msg.Event, string(msg.Payload))
			}
		case eventReply, eventSystem:
			// Heartbeat acks and subscription status.
		default:
			s.logger.Debug("ignoring realtime frame", slog.String("event", msg.Event))
		}
	}
}

func (s *subscription) dispatch(payload json.RawMessage) {
	var p changesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Debug("undecodable change payload", slog.String("error", err.Error()))
		return
	}

	kind, err := record.ParseChangeKind(p.Data.Type)
	if err != nil {
		s.logger.Debug("unknown change type", slog.String("type", p.Data.Type))
		return
	}

	s.fn(record.Change{
		Kind:       kind,
		Collection: record.Collection(p.Data.Table),
		Before:     nonEmpty(p.Data.OldRecord),
		After:      nonEmpty(p.Data.Record),
	})
}

// nonEmpty treats null and {} images as absent.
func nonEmpty(raw json.RawMessage) json.RawMessage {
	switch string(raw) {
	case "", "null", "{}":
		return nil
	default:
		return raw
	}
}

// Unsubscribe leaves the channel, closes the connection and waits for the
// reader to exit, so fn is never called after it returns. Idempotent.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			leave := phxMessage{Topic: s.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}

			if err := wsjson.Write(leaveCtx, conn, leave); err != nil {
				s.logger.Debug("realtime leave not sent", slog.String("error", err.Error()))
			}

			cancel()
		}

		s.cancel()
		<-s.done

		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}

		s.logger.Debug("realtime channel left", slog.String("topic", s.topic))
	})

	return nil
}
