// Package market is the WebSocket ticker-feed platform. The platform owns
// one persistent socket to the feed, subscribes to the union of configured
// symbols, and caches the last tick per symbol; probes read the cache and
// never touch the wire.
package market

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/platform"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/store"
)

const (
	platformID = "market"
	version    = "1.0.0"

	typeTicker = "ticker"

	maxReconnectDelay = 5 * time.Minute
	writeTimeout      = 10 * time.Second
	pongWait          = 70 * time.Second
	pingInterval      = 30 * time.Second

	// staleTickAge is how old a cached tick may be before the probe stops
	// reporting its price fact.
	staleTickAge = 5 * time.Minute
)

// tick is one cached price observation.
type tick struct {
	Price float64
	At    time.Time
}

// Platform manages the shared feed connection and the tick cache.
type Platform struct {
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	feedURL   string
	symbols   map[string]struct{}
	ticks     map[string]tick
	connected bool
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}

	// writeMu serializes socket writes; gorilla permits at most one
	// concurrent writer per connection.
	writeMu sync.Mutex
}

// New creates the platform.
func New(clk clock.Clock, logger *zap.Logger) *Platform {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{
		clock:   clk,
		logger:  logger.Named("market"),
		symbols: make(map[string]struct{}),
		ticks:   make(map[string]tick),
	}
}

// Describe implements platform.Platform.
func (p *Platform) Describe() platform.Descriptor {
	return platform.Descriptor{
		ID:          platformID,
		DisplayName: "Market Ticker Feed",
		Version:     version,
		ProbeTypes:  []string{typeTicker},
	}
}

// Initialize records the feed URL and starts the connection loop. The loop
// reconnects with capped exponential backoff and resubscribes after every
// reconnect.
func (p *Platform) Initialize(_ context.Context, config map[string]any) error {
	feedURL, _ := config["feedUrl"].(string)
	if feedURL == "" {
		return fmt.Errorf("market: feedUrl is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("market: already initialized")
	}
	p.feedURL = feedURL

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

// CreateProbe builds a ticker probe and registers its symbols with the feed.
func (p *Platform) CreateProbe(typ string, desc probe.Descriptor) (probe.Probe, error) {
	if typ != typeTicker {
		return nil, fmt.Errorf("market: unsupported probe type %q", typ)
	}

	raw, ok := desc.Config["symbols"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("market probe %q: symbols list is required", desc.ID)
	}
	symbols := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("market probe %q: symbols[%d] must be a non-empty string", desc.ID, i)
		}
		symbols = append(symbols, strings.ToUpper(s))
	}

	p.addSymbols(symbols)
	return &tickerProbe{id: desc.ID, symbols: symbols, platform: p}, nil
}

// Destroy stops the connection loop and closes the socket.
func (p *Platform) Destroy(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	conn := p.conn
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("market: shutdown timed out: %w", ctx.Err())
	}
	return nil
}

// HealthCheck reports whether the feed socket is currently established.
func (p *Platform) HealthCheck(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Platform) addSymbols(symbols []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		p.symbols[s] = struct{}{}
	}
	// Resubscribe on the live socket so probes added after Initialize still
	// get ticks without waiting for a reconnect.
	if p.conn != nil {
		if err := p.subscribeLocked(p.conn); err != nil {
			p.logger.Warn("subscribe failed", zap.Error(err))
		}
	}
}

func (p *Platform) lookup(symbol string) (tick, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.ticks[symbol]
	return t, ok
}

func (p *Platform) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Platform) run(ctx context.Context) {
	defer close(p.done)

	delay := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wasConnected, err := p.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			delay = time.Second
		}
		p.logger.Warn("feed connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// jitter adds 0-50% random jitter to a duration to prevent thundering herd.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// subscribeMessage is the outbound subscription frame.
type subscribeMessage struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// tickerMessage is one inbound tick frame.
type tickerMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func (p *Platform) connectAndServe(ctx context.Context) (bool, error) {
	p.mu.Lock()
	feedURL := p.feedURL
	p.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, feedURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	subErr := p.subscribeLocked(conn)
	p.mu.Unlock()

	defer func() {
		conn.Close()
		p.mu.Lock()
		p.conn = nil
		p.connected = false
		p.mu.Unlock()
	}()

	if subErr != nil {
		return true, fmt.Errorf("subscribe: %w", subErr)
	}
	p.logger.Info("connected to market feed", zap.String("url", feedURL))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go p.pingLoop(pingCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		var tm tickerMessage
		if err := json.Unmarshal(msg, &tm); err != nil || tm.Symbol == "" {
			p.logger.Debug("ignoring unrecognized feed frame")
			continue
		}

		p.mu.Lock()
		p.ticks[strings.ToUpper(tm.Symbol)] = tick{Price: tm.Price, At: p.clock.Now()}
		p.mu.Unlock()
	}
}

// subscribeLocked writes the subscription frame for every known symbol.
// Callers hold p.mu for the symbol set; the write itself goes through
// writeFrame.
func (p *Platform) subscribeLocked(conn *websocket.Conn) error {
	if len(p.symbols) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		symbols = append(symbols, s)
	}
	data, err := json.Marshal(subscribeMessage{Op: "subscribe", Symbols: symbols})
	if err != nil {
		return err
	}
	return p.writeFrame(conn, websocket.TextMessage, data)
}

// writeFrame performs one serialized write on conn.
func (p *Platform) writeFrame(conn *websocket.Conn, messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (p *Platform) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.writeFrame(conn, websocket.PingMessage, nil); err != nil {
				p.logger.Warn("feed ping failed", zap.Error(err))
				return
			}
		}
	}
}

type tickerProbe struct {
	id       string
	symbols  []string
	platform *Platform
}

func (t *tickerProbe) ID() string { return t.id }

// Collect reads the cache. A disconnected feed or an all-stale cache is an
// observation, not a failure: market.connected carries it to rules.
func (t *tickerProbe) Collect(_ context.Context, _ *store.ProbeState) (facts.Facts, error) {
	out := facts.Facts{
		"market.connected": facts.Bool(t.platform.isConnected()),
	}
	now := t.platform.clock.Now()
	for _, symbol := range t.symbols {
		tk, ok := t.platform.lookup(symbol)
		if !ok || now.Sub(tk.At) > staleTickAge {
			continue
		}
		out["market.price."+symbol] = facts.Float(tk.Price)
	}
	return out, nil
}
