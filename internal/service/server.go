// Package service provides implementation of the core panel service.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/api"
	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/engine"
	"github.com/ferrostat/go-panelwatch/internal/parser"
	"github.com/ferrostat/go-panelwatch/internal/protocol"
	"github.com/ferrostat/go-panelwatch/internal/pubsub"
	"github.com/ferrostat/go-panelwatch/internal/scheduler"
	"github.com/ferrostat/go-panelwatch/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PanelServer manages the socket telegram feed, the status engine, and the
// outbound publication of engine output.
type PanelServer struct {
	config         *config.Config
	listener       net.Listener
	apiServer      *api.Server
	engine         *engine.Engine
	parser         *parser.Parser
	publisher      domain.MessagePublisher
	monitoring     domain.MonitoringService
	sessionManager *session.SessionManager
	scheduler      *scheduler.MaintenanceScheduler
	clients        map[string]net.Conn
	clientMutex    sync.RWMutex
	done           chan struct{}
	dispatchWG     sync.WaitGroup
	logger         zerolog.Logger
	startTime      time.Time
}

// NewPanelServer creates a new panel server instance. The parser is used
// only for the link-level accept check; decoding happens on the engine.
func NewPanelServer(cfg *config.Config, eng *engine.Engine, telegramParser *parser.Parser,
	publisher domain.MessagePublisher, monitoring domain.MonitoringService) (*PanelServer, error) {
	logger := log.With().Str("component", "server").Logger()

	sessionManager := session.NewSessionManager(30 * time.Minute)

	server := &PanelServer{
		config:         cfg,
		engine:         eng,
		parser:         telegramParser,
		publisher:      publisher,
		monitoring:     monitoring,
		sessionManager: sessionManager,
		clients:        make(map[string]net.Conn),
		done:           make(chan struct{}),
		logger:         logger,
	}

	if cfg.API.Enabled {
		server.apiServer = api.NewServer(cfg, eng, sessionManager)
	}

	server.scheduler = scheduler.NewMaintenanceScheduler(cfg, eng, publisher, monitoring, log.Logger)

	return server, nil
}

// Start initializes and starts all server components.
func (s *PanelServer) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start status engine: %w", err)
	}

	// The listener runs in both feed modes; the engine drops telegrams
	// from the inactive source.
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", addr).
		Str("feed_mode", s.engine.FeedMode().String()).
		Msg("Panel service started")

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}

	s.dispatchWG.Add(2)
	go s.dispatchUpdates(ctx)
	go s.dispatchEvents(ctx)

	go s.acceptConnections(ctx)

	return nil
}

// Stop gracefully shuts down all server components.
func (s *PanelServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping panel service")

	close(s.done)

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !isClosedConnError(err) {
			s.logger.Error().Err(err).Msg("Failed to close listener")
		}
	}

	s.clientMutex.Lock()
	for id, conn := range s.clients {
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			s.logger.Error().
				Str("client", id).
				Err(err).
				Msg("Failed to close client connection")
		}
	}
	s.clientMutex.Unlock()

	if err := s.scheduler.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stop maintenance scheduler")
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	// Stopping the engine closes the outbound streams, which ends the
	// dispatch loops.
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stop status engine")
	}
	s.dispatchWG.Wait()

	s.sessionManager.Close()

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	return nil
}

// dispatchUpdates fans aggregated status changes out to MQTT, the websocket
// stream, and the monitoring webhook. The loop ends when the engine closes
// its update stream.
func (s *PanelServer) dispatchUpdates(ctx context.Context) {
	defer s.dispatchWG.Done()

	for status := range s.engine.Updates() {
		topic := pubsub.StatusTopic(s.config)
		if err := s.publisher.Publish(ctx, topic, &status); err != nil {
			s.logger.Error().
				Str("topic", topic).
				Err(err).
				Msg("Failed to publish status")
		}

		if master, ok := s.engine.Master(); ok {
			topic = pubsub.MasterTopic(s.config)
			if err := s.publisher.Publish(ctx, topic, &master); err != nil {
				s.logger.Error().
					Str("topic", topic).
					Err(err).
					Msg("Failed to publish master status")
			}
		}

		if s.apiServer != nil {
			s.apiServer.Stream().BroadcastStatus(status)
		}

		// The monitor applies its own rate limit.
		if err := s.monitoring.Send(ctx, &status); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send status to monitoring service")
		}
	}
}

// dispatchEvents forwards zone changes and bell confirmations.
func (s *PanelServer) dispatchEvents(ctx context.Context) {
	defer s.dispatchWG.Done()

	for event := range s.engine.Events() {
		if s.config.MQTT.PublishEvents {
			topic := pubsub.ZoneEventTopic(s.config)
			if event.Kind == domain.EventBellConfirmed {
				topic = pubsub.BellEventTopic(s.config)
			}

			if err := s.publisher.Publish(ctx, topic, &event); err != nil {
				s.logger.Error().
					Str("topic", topic).
					Err(err).
					Msg("Failed to publish panel event")
			}
		}

		if s.apiServer != nil {
			s.apiServer.Stream().BroadcastEvent(event)
		}
	}
}

// acceptConnections handles incoming TCP connections.
func (s *PanelServer) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.done:
					return
				case <-ctx.Done():
					return
				default:
					if isClosedConnError(err) {
						return
					}
					s.logger.Error().Err(err).Msg("Failed to accept connection")
					continue
				}
			}

			go s.handleConnection(ctx, conn)
		}
	}
}

// isClosedConnError checks if the error is due to a closed network connection.
func isClosedConnError(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection"))
}

// handleConnection processes telegrams from one panel bridge connection.
func (s *PanelServer) handleConnection(ctx context.Context, conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()

	sess := s.sessionManager.CreateSession(conn)

	s.clientMutex.Lock()
	s.clients[clientAddr] = conn
	s.clientMutex.Unlock()

	defer s.cleanupConnection(conn, clientAddr, sess)

	s.logger.Info().
		Str("address", clientAddr).
		Str("session_id", sess.ID).
		Msg("Panel bridge connected")

	s.readTelegrams(ctx, conn, sess, clientAddr)
}

// cleanupConnection handles cleanup when a connection ends.
func (s *PanelServer) cleanupConnection(conn net.Conn, clientAddr string, sess *session.Session) {
	if err := conn.Close(); err != nil && !isClosedConnError(err) {
		s.logger.Error().Err(err).Msg("Failed to close client connection")
	}

	s.clientMutex.Lock()
	delete(s.clients, clientAddr)
	s.clientMutex.Unlock()

	s.sessionManager.RemoveSession(sess.ID)
}

// readTelegrams splits the byte stream into telegrams and feeds them to the
// engine. The read deadline doubles as the idle policy: a bridge that goes
// quiet longer than the configured timeout is disconnected.
func (s *PanelServer) readTelegrams(ctx context.Context, conn net.Conn, sess *session.Session, clientAddr string) {
	scanner := bufio.NewScanner(conn)
	scanner.Split(protocol.ScanTelegrams)

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if s.config.Server.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.config.Server.ReadTimeout)); err != nil {
				s.logger.Error().Err(err).Msg("Failed to set read deadline")
				return
			}
		}

		if !scanner.Scan() {
			err := scanner.Err()
			if err != nil && !isClosedConnError(err) {
				s.logger.Info().
					Str("address", clientAddr).
					Str("session_id", sess.ID).
					Err(err).
					Msg("Panel bridge disconnected")
			} else {
				s.logger.Info().
					Str("address", clientAddr).
					Str("session_id", sess.ID).
					Msg("Panel bridge disconnected")
			}
			return
		}

		raw := scanner.Text()
		sess.AddBytesReceived(int64(len(raw)))

		if raw == "" {
			sess.UpdateActivity()
			continue
		}

		s.processTelegram(sess, raw, clientAddr)
	}
}

// processTelegram answers the link-level reply and forwards accepted
// telegrams. The accept check is shallow; full decoding and validation
// happen on the engine reducer.
func (s *PanelServer) processTelegram(sess *session.Session, raw string, clientAddr string) {
	accepted := s.parser.Wellformed(raw)
	sess.RecordTelegram(accepted)

	if s.config.Server.SendAcks {
		if err := s.sendReply(sess, protocol.Reply(accepted)); err != nil {
			sess.IncrementErrorCount()
			s.logger.Warn().
				Str("address", clientAddr).
				Str("session_id", sess.ID).
				Err(err).
				Msg("Failed to send link reply")
		}
	}

	if !accepted {
		s.logger.Warn().
			Str("address", clientAddr).
			Str("session_id", sess.ID).
			Str("telegram", raw).
			Msg("Malformed telegram rejected")
		return
	}

	s.engine.Ingest(raw, domain.SourceSocket)

	s.logger.Debug().
		Str("session_id", sess.ID).
		Int("bytes", len(raw)).
		Msg("Telegram forwarded")
}

// sendReply writes a single-byte link response back to the bridge.
func (s *PanelServer) sendReply(sess *session.Session, reply []byte) error {
	if sess.Connection == nil {
		return fmt.Errorf("session has no active connection")
	}

	if err := sess.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	n, err := sess.Connection.Write(reply)
	if err != nil {
		return fmt.Errorf("failed to write link reply: %w", err)
	}

	sess.AddBytesSent(int64(n))
	return nil
}

// GetMetrics returns server metrics including the engine and scheduler views.
func (s *PanelServer) GetMetrics() map[string]interface{} {
	m := make(map[string]interface{})

	m["uptime"] = time.Since(s.startTime).Seconds()
	m["start_time"] = s.startTime

	s.clientMutex.RLock()
	m["active_connections"] = len(s.clients)
	s.clientMutex.RUnlock()

	m["session_count"] = s.sessionManager.GetSessionCount()

	stateCount := make(map[string]int)
	for _, stat := range s.sessionManager.GetAllSessions() {
		stateCount[stat.State.String()]++
	}
	m["session_states"] = stateCount

	m["scheduler"] = s.scheduler.GetMetrics()
	m["engine"] = s.engine.GetMetrics()

	return m
}
