package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/pkg/tracing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	Listener         ListenerConfig
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	MaxOffers        int
	AnnounceInterval time.Duration
}

// Metrics receives relay counters. The Prometheus collector implements it.
type Metrics interface {
	RecordSignalMessage(action, event string)
	SetRelayState(state domain.RelayState)
	SetSignalConnections(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordSignalMessage(string, string) {}
func (nopMetrics) SetRelayState(domain.RelayState)    {}
func (nopMetrics) SetSignalConnections(int)           {}

type Option func(*Relay)

func WithMetrics(m Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithPeerGone registers fn to run when the last socket of a peer closes.
func WithPeerGone(fn func(ctx context.Context, id domain.PeerID)) Option {
	return func(r *Relay) { r.onPeerGone = fn }
}

// Relay is the signaling endpoint: a websocket announce tracker that forwards
// offers and answers between peers of a swarm and republishes the candidates
// it sees as address observations.
type Relay struct {
	cfg      Config
	geo      ports.GeoResolver
	bus      ports.EventBus
	listener *Listener
	metrics  Metrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	onPeerGone func(ctx context.Context, id domain.PeerID)

	mu     sync.RWMutex
	swarms map[domain.InfoHash]*swarm
	peers  map[domain.PeerID]*peerConn
	conns  map[*peerConn]struct{}
}

var _ ports.RelayInfo = (*Relay)(nil)

type swarm struct {
	members    map[domain.PeerID]*member
	downloaded int
}

type member struct {
	conn     *peerConn
	complete bool
}

// peerConn serialises writes; gorilla allows one concurrent writer.
type peerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration

	// owned by the connection's read loop
	peerID domain.PeerID
	hashes map[domain.InfoHash]struct{}
}

func (c *peerConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteJSON(v)
}

func (c *peerConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout))
}

func NewRelay(cfg Config, geo ports.GeoResolver, bus ports.EventBus, logger *zap.SugaredLogger, opts ...Option) *Relay {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxOffers <= 0 {
		cfg.MaxOffers = 10
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 2 * time.Minute
	}

	r := &Relay{
		cfg:     cfg,
		geo:     geo,
		bus:     bus,
		metrics: nopMetrics{},
		logger:  logger,
		upgrader: websocket.Upgrader{
			// trackers are announced to from any page origin
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		swarms: make(map[domain.InfoHash]*swarm),
		peers:  make(map[domain.PeerID]*peerConn),
		conns:  make(map[*peerConn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.listener = NewListener(cfg.Listener, logger)
	r.listener.OnStateChange(r.metrics.SetRelayState)
	return r
}

// Start runs the listener state machine and serves the tracker on it.
func (r *Relay) Start(ctx context.Context) error {
	return r.listener.Start(ctx, r)
}

func (r *Relay) URL() (string, error) {
	return r.listener.URL()
}

func (r *Relay) Status() domain.RelayStatus {
	return r.listener.Status()
}

// Shutdown stops the listener and closes every open socket.
func (r *Relay) Shutdown(ctx context.Context) error {
	err := r.listener.Shutdown(ctx)

	r.mu.RLock()
	conns := make([]*peerConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
	return err
}

// ConnectionCount is the number of open tracker sockets.
func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ServeHTTP upgrades the request and runs the socket until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &peerConn{
		ws:      ws,
		timeout: r.cfg.WriteTimeout,
		hashes:  make(map[domain.InfoHash]struct{}),
	}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	count := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetSignalConnections(count)

	r.serve(req.Context(), c)
}

func (r *Relay) serve(ctx context.Context, c *peerConn) {
	ctx = context.WithoutCancel(ctx)
	defer r.cleanup(ctx, c)

	if r.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(r.cfg.MaxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	messages := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(messages)
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = c.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
			select {
			case messages <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-messages:
			if !ok {
				err := <-readErr
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					r.logger.Infow("tracker socket read failed", "peer_id", c.peerID, "error", err)
				}
				return
			}
			r.handleFrame(ctx, c, data)

		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				r.logger.Infow("error sending ping", "peer_id", c.peerID, "error", err)
				return
			}
		}
	}
}

func (r *Relay) handleFrame(ctx context.Context, c *peerConn, data []byte) {
	var msg TrackerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debugw("dropping malformed tracker frame", "peer_id", c.peerID, "error", err)
		r.metrics.RecordSignalMessage("invalid", "")
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, msg.Action, msg.normalizedEvent(), string(msg.PeerID))
	defer span.End()
	r.metrics.RecordSignalMessage(msg.Action, msg.normalizedEvent())

	var err error
	switch msg.Action {
	case ActionAnnounce:
		err = r.handleAnnounce(ctx, c, &msg)
	case ActionScrape:
		err = r.handleScrape(c, &msg)
	default:
		err = fmt.Errorf("unknown action %q", msg.Action)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Infow("tracker request rejected", "peer_id", msg.PeerID, "action", msg.Action, "error", err)
		_ = c.send(failureResponse{Action: msg.Action, InfoHash: msg.infoHash(), FailureReason: err.Error()})
	}
}

func (r *Relay) handleAnnounce(ctx context.Context, c *peerConn, msg *TrackerMessage) error {
	hash := msg.infoHash()
	if hash == "" {
		return errors.New("info_hash is required")
	}
	if msg.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if c.peerID != "" && c.peerID != msg.PeerID {
		return fmt.Errorf("peer_id mismatch: expected %s, got %s", c.peerID, msg.PeerID)
	}
	if c.peerID == "" {
		r.bindPeer(c, msg.PeerID)
	}

	event := msg.normalizedEvent()
	complete, incomplete := r.updateSwarm(c, hash, event)

	if event != EventStopped {
		r.forwardOffers(c, hash, msg)
	}
	if msg.Answer != nil {
		if err := r.forwardAnswer(c, hash, msg); err != nil {
			r.logger.Debugw("answer not delivered", "peer_id", c.peerID, "to_peer_id", msg.ToPeerID, "error", err)
		}
	}

	if err := c.send(announceResponse{
		Action:     ActionAnnounce,
		InfoHash:   hash,
		Interval:   int(r.cfg.AnnounceInterval / time.Second),
		Complete:   complete,
		Incomplete: incomplete,
	}); err != nil {
		return err
	}

	r.handleEvent(ctx, msg)
	return nil
}

// bindPeer attaches id to c. An older socket of the same peer is closed.
func (r *Relay) bindPeer(c *peerConn, id domain.PeerID) {
	c.peerID = id

	r.mu.Lock()
	old := r.peers[id]
	r.peers[id] = c
	r.mu.Unlock()

	if old != nil && old != c {
		r.logger.Infow("closing old connection for reconnecting peer", "peer_id", id)
		_ = old.ws.Close()
	}
}

func (r *Relay) updateSwarm(c *peerConn, hash domain.InfoHash, event string) (complete, incomplete int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.swarms[hash]
	if !ok {
		if event == EventStopped {
			return 0, 0
		}
		s = &swarm{members: make(map[domain.PeerID]*member)}
		r.swarms[hash] = s
	}

	switch event {
	case EventStopped:
		delete(s.members, c.peerID)
		delete(c.hashes, hash)
		if len(s.members) == 0 {
			delete(r.swarms, hash)
		}
	default:
		m, ok := s.members[c.peerID]
		if !ok {
			m = &member{}
			s.members[c.peerID] = m
		}
		m.conn = c
		if event == EventCompleted && !m.complete {
			m.complete = true
			s.downloaded++
		}
		c.hashes[hash] = struct{}{}
	}
	return s.counts()
}

func (s *swarm) counts() (complete, incomplete int) {
	for _, m := range s.members {
		if m.complete {
			complete++
		} else {
			incomplete++
		}
	}
	return complete, incomplete
}

// forwardOffers sends one offer to each of up to numwant other swarm members.
func (r *Relay) forwardOffers(c *peerConn, hash domain.InfoHash, msg *TrackerMessage) {
	if len(msg.Offers) == 0 {
		return
	}
	want := len(msg.Offers)
	if msg.NumWant > 0 && msg.NumWant < want {
		want = msg.NumWant
	}
	if want > r.cfg.MaxOffers {
		want = r.cfg.MaxOffers
	}

	type target struct {
		id   domain.PeerID
		conn *peerConn
	}
	r.mu.RLock()
	var targets []target
	if s, ok := r.swarms[hash]; ok {
		for id, m := range s.members {
			if len(targets) == want {
				break
			}
			if id != c.peerID {
				targets = append(targets, target{id, m.conn})
			}
		}
	}
	r.mu.RUnlock()

	for i, t := range targets {
		offer := msg.Offers[i]
		if err := t.conn.send(offerForward{
			Action:   ActionAnnounce,
			InfoHash: hash,
			PeerID:   c.peerID,
			Offer:    offer.Offer,
			OfferID:  offer.OfferID,
		}); err != nil {
			r.logger.Debugw("offer not delivered", "peer_id", c.peerID, "to_peer_id", t.id, "error", err)
		}
	}
}

func (r *Relay) forwardAnswer(c *peerConn, hash domain.InfoHash, msg *TrackerMessage) error {
	if msg.ToPeerID == "" {
		return errors.New("to_peer_id is required with an answer")
	}
	r.mu.RLock()
	var target *peerConn
	if s, ok := r.swarms[hash]; ok {
		if m, ok := s.members[msg.ToPeerID]; ok {
			target = m.conn
		}
	}
	r.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("peer %s is not in swarm", msg.ToPeerID)
	}
	return target.send(answerForward{
		Action:   ActionAnnounce,
		InfoHash: hash,
		PeerID:   c.peerID,
		Answer:   *msg.Answer,
		OfferID:  msg.OfferID,
	})
}

func (r *Relay) handleScrape(c *peerConn, msg *TrackerMessage) error {
	r.mu.RLock()
	files := make(map[domain.InfoHash]scrapeFile)
	hashes := []domain.InfoHash(msg.InfoHash)
	if len(hashes) == 0 {
		for h := range r.swarms {
			hashes = append(hashes, h)
		}
	}
	for _, h := range hashes {
		var f scrapeFile
		if s, ok := r.swarms[h]; ok {
			f.Complete, f.Incomplete = s.counts()
			f.Downloaded = s.downloaded
		}
		files[h] = f
	}
	r.mu.RUnlock()

	return c.send(scrapeResponse{Action: ActionScrape, Files: files})
}

// handleEvent turns the negotiation payloads of an announce into address
// observations. Nothing is published without a peer id.
func (r *Relay) handleEvent(ctx context.Context, msg *TrackerMessage) {
	if msg == nil {
		r.logger.Debugw("empty signaling message")
		return
	}
	if msg.PeerID == "" {
		r.logger.Debugw("dropping address observation without peer id", "info_hash", msg.infoHash())
		return
	}

	if len(msg.Offers) > 0 {
		descs := make([]webrtc.SessionDescription, 0, len(msg.Offers))
		for _, o := range msg.Offers {
			descs = append(descs, o.Offer)
		}
		r.publishCandidates(ctx, domain.EventAddressOffer, msg, descs)
	}
	if msg.Answer != nil {
		r.publishCandidates(ctx, domain.EventAddressAnswer, msg, []webrtc.SessionDescription{*msg.Answer})
	}

	switch msg.normalizedEvent() {
	case EventCompleted, EventStopped:
		r.bus.Publish(ctx, domain.Event{
			Type:      domain.EventAddressDone,
			Timestamp: time.Now(),
			PeerID:    msg.PeerID,
			InfoHash:  msg.infoHash(),
		})
	}
}

func (r *Relay) publishCandidates(ctx context.Context, typ domain.EventType, msg *TrackerMessage, descs []webrtc.SessionDescription) {
	seen := make(map[string]struct{})
	var entries []*domain.NetworkChainEntry
	for _, desc := range descs {
		found, err := ExtractCandidates(desc)
		if err != nil {
			r.logger.Debugw("unreadable session description", "peer_id", msg.PeerID, "error", err)
			continue
		}
		for i := range found {
			key := fmt.Sprintf("%s|%d|%s|%s", found[i].IP, found[i].Port, found[i].Transport, found[i].TypeDetail)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entries = append(entries, &found[i])
		}
	}
	if len(entries) == 0 {
		r.logger.Debugw("dropping signal without candidates", "peer_id", msg.PeerID, "type", typ)
		return
	}

	enriched := r.geo.EnrichMany(ctx, entries)
	candidates := make([]domain.NetworkChainEntry, 0, len(enriched))
	for _, e := range enriched {
		if e != nil {
			candidates = append(candidates, *e)
		}
	}

	r.bus.Publish(ctx, domain.Event{
		Type:       typ,
		Timestamp:  time.Now(),
		PeerID:     msg.PeerID,
		InfoHash:   msg.infoHash(),
		Candidates: candidates,
	})
}

func (r *Relay) cleanup(ctx context.Context, c *peerConn) {
	_ = c.ws.Close()

	r.mu.Lock()
	delete(r.conns, c)
	for hash := range c.hashes {
		if s, ok := r.swarms[hash]; ok {
			if m, ok := s.members[c.peerID]; ok && m.conn == c {
				delete(s.members, c.peerID)
			}
			if len(s.members) == 0 {
				delete(r.swarms, hash)
			}
		}
	}
	gone := c.peerID != "" && r.peers[c.peerID] == c
	if gone {
		delete(r.peers, c.peerID)
	}
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetSignalConnections(count)
	if gone && r.onPeerGone != nil {
		r.onPeerGone(ctx, c.peerID)
	}
	r.logger.Infow("tracker socket closed", "peer_id", c.peerID)
}
