package bayeux

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
)

// Message field names as they appear on the wire.
const (
	FieldChannel      = "channel"
	FieldID           = "id"
	FieldClientID     = "clientId"
	FieldData         = "data"
	FieldExt          = "ext"
	FieldAdvice       = "advice"
	FieldSuccessful   = "successful"
	FieldError        = "error"
	FieldSubscription = "subscription"
)

var ErrMessageFrozen = errors.New("bayeux: message is frozen")

// Message is a single Bayeux message. It is mutable until Freeze is called;
// after that every setter panics with ErrMessageFrozen.
//
// Maps returned by Ext, Advice and Fields must not be modified once the
// message is frozen.
type Message struct {
	frozen atomic.Bool

	channel       string
	id            string
	clientID      string
	data          any
	ext           map[string]any
	advice        map[string]any
	successful    bool
	hasSuccessful bool
	errorText     string
	subscription  string
	lazy          bool
	fields        map[string]any
}

// NewMessage returns a mutable message addressed to channel.
func NewMessage(channel string, data any) *Message {
	return &Message{channel: channel, data: data}
}

func (m *Message) mutate() {
	if m.frozen.Load() {
		panic(ErrMessageFrozen)
	}
}

// Freeze makes the message immutable. Freezing twice is a no-op.
func (m *Message) Freeze() { m.frozen.Store(true) }

func (m *Message) IsFrozen() bool { return m.frozen.Load() }

// Copy returns an unfrozen copy. Nested maps are copied one level deep.
func (m *Message) Copy() *Message {
	return &Message{
		channel:       m.channel,
		id:            m.id,
		clientID:      m.clientID,
		data:          m.data,
		ext:           maps.Clone(m.ext),
		advice:        maps.Clone(m.advice),
		successful:    m.successful,
		hasSuccessful: m.hasSuccessful,
		errorText:     m.errorText,
		subscription:  m.subscription,
		lazy:          m.lazy,
		fields:        maps.Clone(m.fields),
	}
}

func (m *Message) Channel() string { return m.channel }

func (m *Message) SetChannel(channel string) {
	m.mutate()
	m.channel = channel
}

func (m *Message) ID() string { return m.id }

func (m *Message) SetID(id string) {
	m.mutate()
	m.id = id
}

func (m *Message) ClientID() string { return m.clientID }

func (m *Message) SetClientID(id string) {
	m.mutate()
	m.clientID = id
}

func (m *Message) Data() any { return m.data }

func (m *Message) SetData(data any) {
	m.mutate()
	m.data = data
}

// Ext returns the extension map. When create is true and the map does not
// exist yet it is allocated, which requires the message to be mutable.
func (m *Message) Ext(create bool) map[string]any {
	if m.ext == nil && create {
		m.mutate()
		m.ext = make(map[string]any)
	}
	return m.ext
}

// Advice returns the advice map, allocating it when create is true.
func (m *Message) Advice(create bool) map[string]any {
	if m.advice == nil && create {
		m.mutate()
		m.advice = make(map[string]any)
	}
	return m.advice
}

func (m *Message) SetAdvice(advice map[string]any) {
	m.mutate()
	m.advice = advice
}

func (m *Message) Successful() bool { return m.successful }

func (m *Message) SetSuccessful(ok bool) {
	m.mutate()
	m.successful = ok
	m.hasSuccessful = true
}

func (m *Message) Error() string { return m.errorText }

func (m *Message) SetError(text string) {
	m.mutate()
	m.errorText = text
}

func (m *Message) Subscription() string { return m.subscription }

func (m *Message) SetSubscription(channel string) {
	m.mutate()
	m.subscription = channel
}

// Lazy reports whether delivery of this message may be postponed.
// Laziness is a server-side hint and is never serialized.
func (m *Message) Lazy() bool { return m.lazy }

func (m *Message) SetLazy(lazy bool) {
	m.mutate()
	m.lazy = lazy
}

// Get returns a field that has no dedicated accessor.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.fields[key]
	return v, ok
}

// Set stores a field that has no dedicated accessor.
func (m *Message) Set(key string, value any) {
	m.mutate()
	if m.fields == nil {
		m.fields = make(map[string]any)
	}
	m.fields[key] = value
}

// IsMeta reports whether the message travels on a /meta/ channel.
func (m *Message) IsMeta() bool { return isMetaChannel(m.channel) }

// IsPublishReply reports whether the message is the reply to a publish.
func (m *Message) IsPublishReply() bool { return !m.IsMeta() && m.hasSuccessful }

func (m *Message) String() string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("{channel:%s id:%s}", m.channel, m.id)
	}
	return string(b)
}

func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.fields)+8)
	maps.Copy(out, m.fields)
	out[FieldChannel] = m.channel
	if m.id != "" {
		out[FieldID] = m.id
	}
	if m.clientID != "" {
		out[FieldClientID] = m.clientID
	}
	if m.data != nil {
		out[FieldData] = m.data
	}
	if len(m.ext) > 0 {
		out[FieldExt] = m.ext
	}
	if len(m.advice) > 0 {
		out[FieldAdvice] = m.advice
	}
	if m.hasSuccessful {
		out[FieldSuccessful] = m.successful
	}
	if m.errorText != "" {
		out[FieldError] = m.errorText
	}
	if m.subscription != "" {
		out[FieldSubscription] = m.subscription
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	m.mutate()

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	channel, ok := raw[FieldChannel].(string)
	if !ok || channel == "" {
		return fmt.Errorf("invalid message: missing %q", FieldChannel)
	}
	m.channel = channel
	delete(raw, FieldChannel)

	m.id = takeString(raw, FieldID)
	m.clientID = takeString(raw, FieldClientID)
	m.errorText = takeString(raw, FieldError)
	m.subscription = takeString(raw, FieldSubscription)

	if v, ok := raw[FieldData]; ok {
		m.data = v
		delete(raw, FieldData)
	}
	if v, ok := raw[FieldExt].(map[string]any); ok {
		m.ext = v
		delete(raw, FieldExt)
	}
	if v, ok := raw[FieldAdvice].(map[string]any); ok {
		m.advice = v
		delete(raw, FieldAdvice)
	}
	if v, ok := raw[FieldSuccessful].(bool); ok {
		m.successful = v
		m.hasSuccessful = true
		delete(raw, FieldSuccessful)
	}
	if len(raw) > 0 {
		m.fields = raw
	}
	return nil
}

func takeString(raw map[string]any, key string) string {
	v, ok := raw[key].(string)
	if ok {
		delete(raw, key)
	}
	return v
}
