// Package provision is a client for the ElevenLabs management REST API. It
// covers the calls Confido needs before a conversation can start: verifying
// the API key via the subscription endpoint, creating and inspecting
// conversational agents, managing knowledge base documents, and fetching a
// signed WebSocket URL for private agents.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/confido-labs/confido/internal/observe"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io/v1"
	defaultWSBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"
)

// SubscriptionInfo mirrors the relevant fields of GET /v1/user/subscription.
type SubscriptionInfo struct {
	Tier                        string `json:"tier"`
	CharacterCount              int64  `json:"character_count"`
	CharacterLimit              int64  `json:"character_limit"`
	NextCharacterCountResetUnix int64  `json:"next_character_count_reset_unix"`
	Status                      string `json:"status"`
	HasOpenInvoices             bool   `json:"has_open_invoices"`
}

// Remaining returns the number of characters left in the current billing
// period.
func (s SubscriptionInfo) Remaining() int64 {
	return s.CharacterLimit - s.CharacterCount
}

// KnowledgeBaseDocument is a single knowledge base entry.
type KnowledgeBaseDocument struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	UsageMode string `json:"usage_mode,omitempty"`
}

// Agent is a conversational agent as returned by the agents endpoints.
type Agent struct {
	AgentID            string              `json:"agent_id"`
	Name               string              `json:"name"`
	CreatedAt          int64               `json:"created_at_unix_secs,omitempty"`
	ConversationConfig *ConversationConfig `json:"conversation_config,omitempty"`
}

// AgentDefinition is the payload for creating or updating an agent.
type AgentDefinition struct {
	Name               string             `json:"name"`
	ConversationConfig ConversationConfig `json:"conversation_config"`
}

// ConversationConfig nests the agent behaviour settings the way the
// ElevenLabs API expects them.
type ConversationConfig struct {
	Agent AgentSettings `json:"agent"`
}

// AgentSettings holds the agent prompt, greeting, and default language.
type AgentSettings struct {
	Prompt       PromptSettings `json:"prompt"`
	FirstMessage string         `json:"first_message,omitempty"`
	Language     string         `json:"language,omitempty"`
}

// PromptSettings holds the system prompt and linked knowledge base documents.
// Knowledge base entries must live here, not on the agent object, or the API
// silently ignores them.
type PromptSettings struct {
	Prompt        string                  `json:"prompt"`
	KnowledgeBase []KnowledgeBaseDocument `json:"knowledge_base,omitempty"`
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithBaseURL overrides the REST API base URL. Used by tests to point the
// client at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithWSBaseURL overrides the WebSocket base URL used when falling back to a
// direct (unsigned) conversation connection.
func WithWSBaseURL(u string) Option {
	return func(c *Client) {
		c.wsBaseURL = u
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client calls the ElevenLabs management API. Requests go through
// [observe.Transport] so each call is traced and counted.
type Client struct {
	apiKey     string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
}

// New creates a new Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("provision: apiKey must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		wsBaseURL:  defaultWSBaseURL,
		httpClient: &http.Client{Transport: &observe.Transport{}},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Subscription returns the account's subscription info. A successful call
// also proves the API key is valid.
func (c *Client) Subscription(ctx context.Context) (SubscriptionInfo, error) {
	var out SubscriptionInfo
	err := c.doJSON(ctx, http.MethodGet, "/user/subscription", nil, &out)
	return out, err
}

// SignedConversationURL returns a short-lived signed WebSocket URL for the
// given agent. When the signed URL endpoint fails (for example for public
// agents where no signature is needed), it falls back to the direct
// connection URL with the agent ID as a query parameter.
func (c *Client) SignedConversationURL(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", errors.New("provision: agentID must not be empty")
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/convai/conversation/get-signed-url?agent_id="+url.QueryEscape(agentID), nil, &out)
	if err != nil || out.SignedURL == "" {
		slog.Warn("signed URL unavailable, falling back to direct connection",
			slog.String("agent_id", agentID), slog.Any("error", err))
		return c.wsBaseURL + "?agent_id=" + url.QueryEscape(agentID), nil
	}
	return out.SignedURL, nil
}

// CreateAgent creates a new conversational agent.
func (c *Client) CreateAgent(ctx context.Context, def AgentDefinition) (Agent, error) {
	var out Agent
	err := c.doJSON(ctx, http.MethodPost, "/convai/agents/create", def, &out)
	if err != nil {
		return Agent{}, err
	}
	if out.AgentID == "" {
		return Agent{}, errors.New("provision: create agent: response missing agent_id")
	}
	return out, nil
}

// GetAgent fetches an agent's full configuration.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	err := c.doJSON(ctx, http.MethodGet, "/convai/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

// UpdateAgent patches an agent's configuration. Some deployments reject
// PATCH, so a 404 or 405 response triggers a PUT retry with the same payload.
func (c *Client) UpdateAgent(ctx context.Context, agentID string, def AgentDefinition) (Agent, error) {
	path := "/convai/agents/" + url.PathEscape(agentID)

	var out Agent
	err := c.doJSON(ctx, http.MethodPatch, path, def, &out)
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusMethodNotAllowed) {
		err = c.doJSON(ctx, http.MethodPut, path, def, &out)
	}
	return out, err
}

// ListAgents returns all agents on the account.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/convai/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateKnowledgeBaseText creates a knowledge base document from raw text.
func (c *Client) CreateKnowledgeBaseText(ctx context.Context, name, text string) (KnowledgeBaseDocument, error) {
	payload := struct {
		Text string `json:"text"`
		Name string `json:"name"`
	}{Text: text, Name: name}

	var out KnowledgeBaseDocument
	if err := c.doJSON(ctx, http.MethodPost, "/convai/knowledge-base/text", payload, &out); err != nil {
		return KnowledgeBaseDocument{}, err
	}
	if out.ID == "" {
		return KnowledgeBaseDocument{}, errors.New("provision: create knowledge base text: response missing id")
	}
	if out.Name == "" {
		out.Name = name
	}
	out.Type = "text"
	out.UsageMode = "auto"
	return out, nil
}

// CreateKnowledgeBaseURL creates a knowledge base document by scraping a URL.
func (c *Client) CreateKnowledgeBaseURL(ctx context.Context, docURL, name string) (KnowledgeBaseDocument, error) {
	payload := struct {
		URL  string `json:"url"`
		Name string `json:"name,omitempty"`
	}{URL: docURL, Name: name}

	var out KnowledgeBaseDocument
	if err := c.doJSON(ctx, http.MethodPost, "/convai/knowledge-base/url", payload, &out); err != nil {
		return KnowledgeBaseDocument{}, err
	}
	if out.ID == "" {
		return KnowledgeBaseDocument{}, errors.New("provision: create knowledge base url: response missing id")
	}
	if out.Name == "" {
		if name != "" {
			out.Name = name
		} else {
			out.Name = "url_document"
		}
	}
	out.Type = "text"
	out.UsageMode = "auto"
	return out, nil
}

// ListKnowledgeBase returns all knowledge base documents on the account. The
// endpoint has returned both a wrapped and a bare array over time, so both
// shapes are accepted.
func (c *Client) ListKnowledgeBase(ctx context.Context) ([]KnowledgeBaseDocument, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/convai/knowledge-base", nil, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Documents []KnowledgeBaseDocument `json:"documents"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Documents != nil {
		return wrapped.Documents, nil
	}
	var bare []KnowledgeBaseDocument
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	return nil, errors.New("provision: list knowledge base: unrecognised response shape")
}

// GetKnowledgeBaseDocument fetches a single knowledge base document.
func (c *Client) GetKnowledgeBaseDocument(ctx context.Context, id string) (KnowledgeBaseDocument, error) {
	var out KnowledgeBaseDocument
	err := c.doJSON(ctx, http.MethodGet, "/convai/knowledge-base/"+url.PathEscape(id), nil, &out)
	return out, err
}

// AddKnowledgeBaseToAgent links existing knowledge base documents to an
// agent by rewriting the agent's prompt configuration. Documents already
// linked are kept.
func (c *Client) AddKnowledgeBaseToAgent(ctx context.Context, agentID string, docs []KnowledgeBaseDocument) (Agent, error) {
	agent, err := c.GetAgent(ctx, agentID)
	if err != nil {
		return Agent{}, err
	}

	def := AgentDefinition{Name: agent.Name}
	if agent.ConversationConfig != nil {
		def.ConversationConfig = *agent.ConversationConfig
	}

	existing := make(map[string]bool)
	for _, d := range def.ConversationConfig.Agent.Prompt.KnowledgeBase {
		existing[d.ID] = true
	}
	for _, d := range docs {
		if !existing[d.ID] {
			def.ConversationConfig.Agent.Prompt.KnowledgeBase = append(def.ConversationConfig.Agent.Prompt.KnowledgeBase, d)
		}
	}

	return c.UpdateAgent(ctx, agentID, def)
}

// StatusError reports a non-2xx API response.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provision: unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("provision: unexpected status %d", e.Code)
}

// doJSON performs a request against the API and decodes the JSON response
// into out (skipped when out is nil). Non-2xx responses become a
// [*StatusError] with a truncated body for diagnostics.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provision: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("provision: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provision: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		buf := make([]byte, 512)
		n, _ := resp.Body.Read(buf)
		return &StatusError{Code: resp.StatusCode, Body: string(buf[:n])}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provision: decode response: %w", err)
	}
	return nil
}
