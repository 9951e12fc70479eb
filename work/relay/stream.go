package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/metrics"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("stream closed")

// State is the lifecycle position of a Stream.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStalled
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStalled:
		return "stalled"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// upstream is one open media response.
type upstream struct {
	cred        types.Credential
	body        io.ReadCloser
	cancel      context.CancelFunc
	contentType string
	openedAt    time.Time
	watchdog    *time.Timer
	stalled     atomic.Bool
	delivered   int64 // bytes read from this upstream, guarded by Stream.mu
}

func (u *upstream) close() {
	if u.watchdog != nil {
		u.watchdog.Stop()
	}
	u.cancel()
	u.body.Close()
}

// Stream is the viewer side of a relay. Reads return upstream bytes in order; upstream
// stalls, errors and ends are handled by reconnecting, invisible to the reader until the
// reconnection budget or the candidates run out.
type Stream struct {
	ID string

	relay       *Relay
	req         Request
	ctx         context.Context
	cancel      context.CancelFunc
	contentType string
	bytes       prometheus.Counter

	mu         sync.Mutex // serializes Read and upstream replacement
	up         *upstream
	lastData   time.Time
	reconnects int
	err        error

	state   atomic.Int32
	current atomic.Pointer[types.Credential]
	closed  atomic.Bool
}

// ContentType is the media type announced by the first upstream.
func (s *Stream) ContentType() string {
	return s.contentType
}

// Credential returns the credential currently serving the stream.
func (s *Stream) Credential() types.Credential {
	if c := s.current.Load(); c != nil {
		return *c
	}
	return types.Credential{}
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

// attach installs up as the active upstream and arms its stall watchdog.
func (s *Stream) attach(up *upstream) {
	up.watchdog = time.AfterFunc(s.relay.opts.StallTimeout, func() {
		up.stalled.Store(true)
		up.cancel()
	})
	up.watchdog.Stop()

	cred := up.cred
	s.current.Store(&cred)
	s.up = up
	s.lastData = time.Now()
	s.setState(StateStreaming)
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		if s.err != nil {
			return 0, s.err
		}

		up := s.up
		if age := s.relay.opts.MaxStreamAge; age > 0 && time.Since(up.openedAt) >= age {
			if err := s.reconnect("max_age"); err != nil {
				return 0, err
			}
			continue
		}

		up.watchdog.Reset(s.relay.opts.StallTimeout)
		n, err := up.body.Read(p)
		up.watchdog.Stop()

		if n > 0 {
			up.delivered += int64(n)
			s.lastData = time.Now()
			s.bytes.Add(float64(n))
			return n, nil
		}
		if err == nil {
			if time.Since(s.lastData) > s.relay.opts.StallTimeout {
				up.stalled.Store(true)
				if err := s.reconnect("stall"); err != nil {
					return 0, err
				}
			}
			continue
		}

		if s.closed.Load() {
			return 0, ErrClosed
		}
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}

		reason := "error"
		switch {
		case up.stalled.Load():
			reason = "stall"
		case errors.Is(err, io.EOF):
			reason = "eof"
		}
		logger.Debug("{relay/stream - Read} [%s] Upstream %s ended (%s): %v", s.ID, utils.MaskDevice(up.cred.Device), reason, err)
		if err := s.reconnect(reason); err != nil {
			return 0, err
		}
	}
}

// reconnect replaces the active upstream. Stalls and errors exclude the credential that
// just failed; a normal end or an age-out may land on the same one again.
//
// Age-outs are not charged to the reconnect budget, and an upstream that kept delivering
// data for at least StallTimeout restores the full budget.
func (s *Stream) reconnect(reason string) error {
	old := s.up
	if reason == "stall" {
		s.setState(StateStalled)
	}
	old.close()

	if old.delivered > 0 && s.lastData.Sub(old.openedAt) >= s.relay.opts.StallTimeout {
		s.reconnects = 0
	}
	if reason != "max_age" && s.reconnects >= s.relay.opts.MaxReconnects {
		s.err = &types.StreamError{
			Provider: s.req.Provider.Name,
			Attempts: s.reconnects,
			Last:     fmt.Errorf("reconnect limit %d reached after %s", s.relay.opts.MaxReconnects, reason),
		}
		s.setState(StateFailed)
		logger.Warn("{relay/stream - reconnect} [%s] Giving up on %s: %v", s.ID, s.req.Provider.Name, s.err)
		return s.err
	}
	if reason != "max_age" {
		s.reconnects++
	}
	s.setState(StateReconnecting)
	metrics.StreamReconnects.WithLabelValues(s.req.Provider.Name, reason).Inc()
	logger.Info("{relay/stream - reconnect} [%s] Reconnecting %s (%s, %d/%d)", s.ID, s.req.Provider.Name, reason, s.reconnects, s.relay.opts.MaxReconnects)

	var exclude types.Credential
	if reason == "stall" || reason == "error" {
		exclude = old.cred
	}
	up, err := s.relay.connect(s.ctx, s.ID, s.req, exclude)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		s.err = err
		s.setState(StateFailed)
		return err
	}
	s.attach(up)
	return nil
}

// Close stops the stream and releases the upstream connection. It is safe to call
// concurrently with Read and more than once.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.up != nil {
		s.up.close()
		s.up = nil
	}
	s.mu.Unlock()

	s.setState(StateClosed)
	metrics.ActiveStreams.WithLabelValues(s.req.Provider.Name).Dec()
	logger.Debug("{relay/stream - Close} [%s] Closed stream for %s", s.ID, s.req.Provider.Name)
	return nil
}
