// Package convai implements the client side of the ConvAI duplex channel: a
// single bidirectional WebSocket carrying JSON control/event messages and
// base64-encoded PCM16 audio in both directions.
//
// Immediately after the channel opens the client sends one initiation
// message with the session configuration. Inbound messages are demultiplexed
// by their type discriminant into typed [Event] values delivered in arrival
// order; pings are answered inline with a pong echoing the event id.
//
// Transport failures close the channel for good — there is no reconnection.
// A session whose channel has failed is over and must be restarted by the
// user. That is a deliberate simplicity trade-off, not a resilience claim.
package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/confido-labs/confido/pkg/audio"
)

const defaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

const defaultLanguage = "en"

// ErrClosed is reported by Err when the channel was closed locally rather
// than by a transport failure.
var ErrClosed = errors.New("convai: channel closed")

// Config configures a [Session].
type Config struct {
	// AgentID addresses the remote agent. Required unless URL is set.
	AgentID string

	// URL, when non-empty, is dialed as-is (e.g. a signed conversation URL
	// from the provisioning API). Otherwise the URL is built from BaseURL
	// and AgentID.
	URL string

	// BaseURL overrides the production endpoint. Used by tests to point at
	// a local mock server.
	BaseURL string

	// Language is sent in the initiation message. Defaults to "en".
	Language string

	// EventBuffer is the capacity of the events channel. Defaults to 64.
	EventBuffer int
}

// Session is one open duplex channel. Create with [Dial]; release with
// [Session.Close]. At most one Session exists per conversation.
type Session struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	status Status
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial opens the duplex channel, sends the initiation message, and starts
// the receive loop. ctx governs the dial only; the returned session lives
// until Close or a transport failure.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	wsURL, err := conversationURL(cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("convai: dial: %w", err)
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	language := cfg.Language
	if language == "" {
		language = defaultLanguage
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan Event, buffer),
		status: StatusOpen,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	init := initiationMessage{
		Type: "conversation_initiation_client_data",
		ConversationConfigOverride: conversationCfg{
			Agent: agentCfg{Language: language},
		},
	}
	if err := s.writeJSON(init); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "initiation failed")
		return nil, fmt.Errorf("convai: send initiation: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// conversationURL resolves the WebSocket URL from the config.
func conversationURL(cfg Config) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}
	if cfg.AgentID == "" {
		return "", errors.New("convai: AgentID or URL required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("convai: parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Events returns the channel on which inbound events arrive, strictly in
// arrival order. It is closed when the channel terminates.
func (s *Session) Events() <-chan Event { return s.events }

// Status reports the channel lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the transport error that terminated the channel, ErrClosed
// after a local Close, or nil while the channel is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// SendAudioChunk serializes one PCM16 frame as base64 and sends it as a
// user_audio_chunk message. Chunks sent after the channel has closed are
// silently dropped — capture may race channel teardown, and loss is not an
// error on this fire-and-forget path.
func (s *Session) SendAudioChunk(pcm []byte) error {
	if s.Status() != StatusOpen {
		return nil
	}
	err := s.writeJSON(audioChunkMessage{UserAudioChunk: audio.EncodePCMBase64(pcm)})
	if err != nil && s.ctx.Err() != nil {
		return nil
	}
	return err
}

// SendText sends typed (non-voice) user input as a user_message. It is
// independent of the voice turn-taking state and does not open the mic.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	return s.writeJSON(userTextMessage{Type: "user_message", Text: text})
}

// Close terminates the channel and releases the connection. Idempotent and
// safe to call from any state.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusClosed
		if s.errVal == nil {
			s.errVal = ErrClosed
		}
		s.mu.Unlock()

		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the events channel: it closes it when it exits.
func (s *Session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			s.status = StatusClosed
			if s.errVal == nil {
				if s.ctx.Err() != nil {
					s.errVal = ErrClosed
				} else {
					s.errVal = fmt.Errorf("convai: transport: %w", err)
				}
			}
			s.mu.Unlock()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed messages are a protocol defect on the remote side,
			// never a reason to tear the channel down.
			slog.Warn("convai: dropping malformed message", "err", err)
			continue
		}

		s.handleServerMessage(&msg)
	}
}

func (s *Session) handleServerMessage(msg *serverMessage) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		if msg.ConversationInitiationMetadataEvent == nil {
			return
		}
		s.deliver(ConversationMetadata{
			ConversationID: msg.ConversationInitiationMetadataEvent.ConversationID,
		})

	case "user_transcript":
		if msg.UserTranscriptionEvent == nil || msg.UserTranscriptionEvent.UserTranscript == "" {
			return
		}
		s.deliver(UserTranscript{Text: msg.UserTranscriptionEvent.UserTranscript})

	case "agent_response":
		if msg.AgentResponseEvent == nil || msg.AgentResponseEvent.AgentResponse == "" {
			return
		}
		s.deliver(AgentResponse{Text: msg.AgentResponseEvent.AgentResponse})

	case "internal_tentative_agent_response":
		s.deliver(TentativeAgentResponse{})

	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		s.deliver(AudioChunk{Base64: msg.AudioEvent.AudioBase64})

	case "ping":
		// Liveness contract: reply immediately, echoing the event id. A
		// missed pong risks the remote peer closing the channel.
		if msg.PingEvent == nil {
			return
		}
		if err := s.writeJSON(pongMessage{Type: "pong", EventID: msg.PingEvent.EventID}); err != nil {
			slog.Warn("convai: pong failed", "err", err)
		}

	case "interruption":
		s.deliver(Interruption{})

	default:
		slog.Debug("convai: ignoring unrecognized message", "type", msg.Type)
	}
}

// deliver forwards an event in arrival order, giving up only on teardown.
func (s *Session) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
