package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
)

const (
	streamPingInterval        = 30 * time.Second
	streamPingTimeout         = 5 * time.Second
	streamMaxReconnectBackoff = 30 * time.Second
	streamReadLimit           = 2 * 1024 * 1024
)

// streamEnvelope is the wire frame the engine pushes for every event.
type streamEnvelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Stream keeps a websocket session to the engine's event feed alive and
// republishes decoded events onto the bus. Unknown event names are logged and
// skipped so engine upgrades cannot wedge the reader.
type Stream struct {
	url string
	bus bus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	done chan struct{}
	once sync.Once
}

// NewStream builds a stream for the engine event websocket at url.
func NewStream(url string, b bus.Bus) (*Stream, error) {
	if url == "" {
		return nil, fmt.Errorf("channel: event stream url required")
	}
	if b == nil {
		return nil, fmt.Errorf("channel: event stream needs a bus")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Stream)
	s.url = url
	s.bus = b
	s.ctx = ctx
	s.cancel = cancel
	s.done = make(chan struct{})
	return s, nil
}

// Start runs the connect loop in the background until Stop is called.
func (s *Stream) Start() {
	go func() {
		defer close(s.done)
		s.connectLoop()
	}()
}

// Stop tears down the session and waits for the connect loop to exit.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
			s.conn = nil
		}
		s.connMu.Unlock()
	})
	<-s.done
}

// connectLoop dials, reads until failure, and re-dials with exponential
// backoff. Backoff resets after every successful session.
func (s *Stream) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = streamMaxReconnectBackoff

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			observability.Log().Warn("event stream: dial failed",
				observability.F("url", s.url),
				observability.F("error", err.Error()))
			if !s.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(streamReadLimit)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		backoffCfg.Reset()

		observability.Log().Info("event stream: connected", observability.F("url", s.url))

		err = s.session(conn)
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			return
		}
		if err != nil {
			observability.Log().Warn("event stream: session ended",
				observability.F("error", err.Error()))
		}
		if !s.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

// session runs one connection's read and ping loops until either fails.
func (s *Stream) session(conn *websocket.Conn) error {
	sessionCtx, sessionCancel := context.WithCancel(s.ctx)
	defer sessionCancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- s.readLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(sessionCtx, conn)
	}()

	first := <-errCh
	sessionCancel()
	wg.Wait()
	return first
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		evt, ok, err := decodeEnvelope(data)
		if err != nil {
			observability.Log().Warn("event stream: undecodable frame",
				observability.F("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		if err := s.bus.Publish(ctx, evt); err != nil {
			observability.Log().Error("event stream: publish failed",
				observability.F("kind", string(evt.Kind)),
				observability.F("error", err.Error()))
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (s *Stream) sleep(d time.Duration) bool {
	if d <= 0 || d == backoff.Stop {
		d = streamMaxReconnectBackoff
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// decodeEnvelope maps an engine wire frame onto a typed bus event. The second
// return is false for event names the router does not consume.
func decodeEnvelope(data []byte) (schema.Event, bool, error) {
	var envelope streamEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return schema.Event{}, false, fmt.Errorf("decode envelope: %w", err)
	}

	evt := schema.Event{
		Kind: schema.EventKind(envelope.Event),
		At:   envelope.Timestamp,
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	var payload any
	switch evt.Kind {
	case schema.KindTransferCreated:
		payload = new(schema.TransferCreatedPayload)
	case schema.KindTransferResolved:
		payload = new(schema.TransferResolvedPayload)
	case schema.KindRoutingComplete:
		payload = new(schema.RoutingCompletePayload)
	case schema.KindDepositReconciled:
		payload = new(schema.DepositReconciledPayload)
	case schema.KindIsAlive:
		payload = new(schema.IsAlivePayload)
	case schema.KindRequestCollateral:
		payload = new(schema.RequestCollateralPayload)
	default:
		return schema.Event{}, false, nil
	}

	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, payload); err != nil {
			return schema.Event{}, false, fmt.Errorf("decode %s payload: %w", envelope.Event, err)
		}
	}

	switch typed := payload.(type) {
	case *schema.TransferCreatedPayload:
		evt.Payload = *typed
	case *schema.TransferResolvedPayload:
		evt.Payload = *typed
	case *schema.RoutingCompletePayload:
		evt.Payload = *typed
	case *schema.DepositReconciledPayload:
		evt.Payload = *typed
	case *schema.IsAlivePayload:
		evt.Payload = *typed
	case *schema.RequestCollateralPayload:
		evt.Payload = *typed
	}
	return evt, true, nil
}
