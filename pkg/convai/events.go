package convai

import "encoding/json"

// Status describes the lifecycle of the duplex channel.
type Status int

const (
	// StatusConnecting means the WebSocket dial is in progress.
	StatusConnecting Status = iota

	// StatusOpen means the channel is established and exchanging messages.
	StatusOpen

	// StatusClosed means the channel has terminated. Channels never reopen;
	// the owning session must be restarted explicitly.
	StatusClosed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is the sealed set of inbound channel events surfaced to the session.
// Events are delivered strictly in arrival order on a single channel.
//
// Pings are answered inside the receive loop and never surfaced; unknown
// message types are logged and skipped.
type Event interface{ isEvent() }

// ConversationMetadata carries the remote session identifier, assigned
// asynchronously after channel establishment.
type ConversationMetadata struct {
	ConversationID string
}

// UserTranscript carries the remote transcription of the user's speech.
type UserTranscript struct {
	Text string
}

// AgentResponse carries the agent's reply text. Audio for the reply may
// still be in flight when this arrives.
type AgentResponse struct {
	Text string
}

// TentativeAgentResponse signals that the agent has started formulating a
// spoken reply.
type TentativeAgentResponse struct{}

// AudioChunk carries one base64 PCM16 payload of synthesized agent speech.
type AudioChunk struct {
	Base64 string
}

// Interruption signals that pending agent audio should be discarded.
type Interruption struct{}

func (ConversationMetadata) isEvent()   {}
func (UserTranscript) isEvent()         {}
func (AgentResponse) isEvent()          {}
func (TentativeAgentResponse) isEvent() {}
func (AudioChunk) isEvent()             {}
func (Interruption) isEvent()           {}

// ── Wire format ───────────────────────────────────────────────────────────────

// serverMessage is the inbound JSON envelope, demultiplexed by Type.
type serverMessage struct {
	Type string `json:"type"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`

	// EventID is echoed verbatim in the pong reply — the protocol does not
	// pin its type, so it is kept raw.
	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

type initiationMessage struct {
	Type                       string          `json:"type"`
	ConversationConfigOverride conversationCfg `json:"conversation_config_override"`
}

type conversationCfg struct {
	Agent agentCfg `json:"agent"`
}

type agentCfg struct {
	Language string `json:"language"`
}

type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

type userTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
