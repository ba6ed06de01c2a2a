package transport

import (
	"context"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/crdt"
)

// State is the connection lifecycle as the UI sees it.
type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// refreshLead is how far before token expiry a refresh is scheduled.
const refreshLead = 5 * time.Minute

// minRefreshDelay keeps the refresh timer from firing in a tight loop
// when the server hands out very short tokens.
const minRefreshDelay = 10 * time.Second

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// Manager owns the realtime connection of one session: token lifecycle,
// websocket dialing, the sync pumps, reconnects, and the offline grace
// window. It reports exactly one first-sync per sync generation, on
// exchange quiescence, so callers can gate seeding decisions on it.
type Manager struct {
	client      *Client
	boardID     string
	shareToken  string
	doc         *crdt.Doc
	grace       *ConnGrace
	onFirstSync func()

	mu           sync.Mutex
	state        State
	lastErr      error
	token        *Token
	conn         *websocket.Conn
	refreshTimer *time.Timer
	refreshing   bool
	firstSynced  bool
	suppressSync bool
	resync       chan struct{}
	cancel       context.CancelFunc
	closed       bool
	wg           sync.WaitGroup
}

// ManagerOptions configure a connection manager.
type ManagerOptions struct {
	Client      *Client
	BoardID     string
	ShareToken  string
	Doc         *crdt.Doc
	OnOnline    func(online bool)
	OnFirstSync func()
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		client:      opts.Client,
		boardID:     opts.BoardID,
		shareToken:  opts.ShareToken,
		doc:         opts.Doc,
		grace:       NewConnGrace(opts.OnOnline),
		onFirstSync: opts.OnFirstSync,
		state:       StateInitializing,
		resync:      make(chan struct{}, 1),
	}
}

// Start launches the connection loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Close tears the connection down and cancels every pending timer.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.grace.Stop()
	m.wg.Wait()
}

// IsConnected reports the debounced online state.
func (m *Manager) IsConnected() bool {
	return m.grace.IsOnline()
}

// ConnState reports where the connection loop currently is.
func (m *Manager) ConnState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the last connection error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ResyncNow drops the current connection and starts a fresh sync
// generation: the next exchange quiescence fires first-sync again.
func (m *Manager) ResyncNow() {
	m.mu.Lock()
	m.firstSynced = false
	m.suppressSync = false
	m.token = nil
	conn := m.conn
	m.mu.Unlock()

	select {
	case m.resync <- struct{}{}:
	default:
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// CurrentToken returns a valid board token, fetching one if the cached
// token is missing or about to expire.
func (m *Manager) CurrentToken(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token != nil && time.Until(token.ExpiresAt) > time.Minute {
		return token, nil
	}

	fresh, err := m.client.FetchToken(ctx, m.boardID, m.shareToken)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.token = fresh
	m.mu.Unlock()

	return fresh, nil
}

func (m *Manager) run(ctx context.Context) {
	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting, nil)

		token, err := m.CurrentToken(ctx)
		if err != nil {
			if err == ErrAuthRequired {
				m.setState(StateFailed, err)
				m.grace.ForceOffline()
				if !m.waitForResync(ctx) {
					return
				}
				delay = reconnectMinDelay
				continue
			}
			m.setState(StateConnecting, err)
			m.grace.Offline()
			if !m.sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		m.scheduleRefresh(ctx, token)

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.client.SyncURL(m.boardID, token.Value), nil)
		if err != nil {
			m.setState(StateConnecting, err)
			m.grace.Offline()
			if !m.sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected, nil)
		m.grace.Online()
		delay = reconnectMinDelay

		m.pump(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.grace.Offline()
	}
}

// pump runs the sync protocol over one websocket until it drops.
func (m *Manager) pump(ctx context.Context, conn *websocket.Conn) {
	st := m.doc.NewSyncState()

	notify := make(chan struct{}, 1)
	unsub := m.doc.Subscribe(func(ev crdt.UpdateEvent) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsub()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if err := m.doc.ReceiveSyncMessage(st, msg); err != nil {
				logrus.Warnf("failed to receive sync message: %v", err)
				return
			}
			select {
			case received <- struct{}{}:
			default:
			}
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}()

	heard := false
	if !m.drain(conn, st) {
		return
	}

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-received:
			heard = true
		case <-notify:
		case <-t.C:
		case <-ctx.Done():
			<-readDone
			return
		}

		sent := m.drainCount(conn, st)
		if sent < 0 {
			return
		}
		// quiescence: the peer has spoken and we have nothing left to
		// say, so both sides hold the same heads
		if heard && sent == 0 {
			m.fireFirstSync()
		}
	}
}

func (m *Manager) drain(conn *websocket.Conn, st *automerge.SyncState) bool {
	return m.drainCount(conn, st) >= 0
}

// drainCount writes generated sync messages until the protocol has
// nothing more to send, returning how many it wrote, or -1 on error.
func (m *Manager) drainCount(conn *websocket.Conn, st *automerge.SyncState) int {
	sent := 0
	for {
		msg, _ := m.doc.GenerateSyncMessage(st)
		if msg == nil {
			return sent
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return -1
		}
		sent++
	}
}

func (m *Manager) fireFirstSync() {
	m.mu.Lock()
	if m.firstSynced {
		m.mu.Unlock()
		return
	}
	m.firstSynced = true
	suppressed := m.suppressSync
	m.suppressSync = false
	m.mu.Unlock()

	if !suppressed && m.onFirstSync != nil {
		m.onFirstSync()
	}
}

// scheduleRefresh arms the token refresh timer for this token.
func (m *Manager) scheduleRefresh(ctx context.Context, token *Token) {
	delay := time.Until(token.ExpiresAt) - refreshLead
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}

	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, func() { m.refreshToken(ctx) })
	m.mu.Unlock()
}

// refreshToken fetches a new token ahead of expiry and reconnects with
// it. The reconnect's first-sync is suppressed; hydration already
// happened in this generation.
func (m *Manager) refreshToken(ctx context.Context) {
	m.mu.Lock()
	if m.refreshing || m.closed {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	token, err := m.client.FetchToken(ctx, m.boardID, m.shareToken)
	if err != nil {
		logrus.Warnf("token refresh failed, connection will retry on expiry: %v", err)
		return
	}

	m.mu.Lock()
	m.token = token
	if m.firstSynced {
		m.suppressSync = true
		m.firstSynced = false
	}
	conn := m.conn
	m.mu.Unlock()

	m.scheduleRefresh(ctx, token)

	// drop the socket so the run loop redials with the fresh token
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	if err != nil || s == StateConnected {
		m.lastErr = err
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.resync:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) waitForResync(ctx context.Context) bool {
	select {
	case <-m.resync:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}
