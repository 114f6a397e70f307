package wire

import (
	"time"
)

// Protocol versions. A client offers its highest supported version during
// initialize; the hub answers with min(client, CurrentVersion) and refuses
// anything below MinVersion. Kinds introduced after the negotiated version
// are filtered for that connection.
const (
	CurrentVersion = 2
	MinVersion     = 1
)

// Class splits the vocabulary by direction and reply expectation.
type Class string

const (
	// ClassEvent flows engine to observers, fire-and-forget.
	ClassEvent Class = "event"
	// ClassRequest flows engine to observers and requires exactly one
	// correlated command reply.
	ClassRequest Class = "request"
	// ClassCommand flows observer to engine.
	ClassCommand Class = "command"
)

// Kind identifies a message within its class.
type Kind string

// Event kinds.
const (
	KindInitialized      Kind = "initialized"
	KindUserMessage      Kind = "user_message"
	KindTurnBegin        Kind = "turn_begin"
	KindTurnEnd          Kind = "turn_end"
	KindTextDelta        Kind = "text_delta"
	KindReasoningDelta   Kind = "reasoning_delta"
	KindToolCallBegin    Kind = "tool_call_begin"
	KindToolCallEnd      Kind = "tool_call_end"
	KindApprovalResolved Kind = "approval_resolved"
	KindProviderRetry    Kind = "provider_retry"
	KindCompaction       Kind = "compaction"
	KindAgentSpawned     Kind = "agent_spawned"
	KindAgentFinished    Kind = "agent_finished"
	KindStatus           Kind = "status"
	KindGap              Kind = "gap"
	KindProtocolError    Kind = "protocol_error"
	KindSessionEnd       Kind = "session_end"
)

// Request kinds.
const (
	KindApprovalRequest Kind = "approval_request"
)

// Command kinds.
const (
	KindInitialize       Kind = "initialize"
	KindUserInput        Kind = "user_input"
	KindCancel           Kind = "cancel"
	KindApprovalDecision Kind = "approval_decision"
	KindReplayFrom       Kind = "replay_from"
)

// kindMinVersion records the protocol version each kind first appeared in.
// Kinds absent from the map are version 1. Version 2 added reasoning deltas
// and subagent attribution.
var kindMinVersion = map[Kind]int{
	KindReasoningDelta: 2,
	KindAgentSpawned:   2,
	KindAgentFinished:  2,
}

// MinVersionFor reports the protocol version a kind requires.
func MinVersionFor(kind Kind) int {
	if v, ok := kindMinVersion[kind]; ok {
		return v
	}
	return 1
}

// Message is the tagged record every transport carries. Data is a free-form
// JSON object whose shape depends on Kind.
type Message struct {
	V             int                    `json:"v"`
	Seq           uint64                 `json:"seq,omitempty"`
	Class         Class                  `json:"class"`
	Kind          Kind                   `json:"kind"`
	AgentID       string                 `json:"agent_id,omitempty"`
	TurnID        string                 `json:"turn_id,omitempty"`
	Step          int                    `json:"step,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	TS            time.Time              `json:"ts"`

	// Origin is the connection id a command arrived on. Hub-internal,
	// never serialized.
	Origin string `json:"-"`
}

// VisibleAt reports whether this message's kind exists at the given
// negotiated version.
func (m Message) VisibleAt(version int) bool {
	return MinVersionFor(m.Kind) <= version
}

// Event builds an event-class message. The hub stamps Seq and TS on
// broadcast.
func Event(kind Kind, data map[string]interface{}) Message {
	return Message{V: CurrentVersion, Class: ClassEvent, Kind: kind, Data: data}
}

// Request builds a request-class message carrying a correlation id.
func Request(kind Kind, correlationID string, data map[string]interface{}) Message {
	return Message{V: CurrentVersion, Class: ClassRequest, Kind: kind, CorrelationID: correlationID, Data: data}
}

// Command builds a command-class message.
func Command(kind Kind, data map[string]interface{}) Message {
	return Message{V: CurrentVersion, Class: ClassCommand, Kind: kind, Data: data}
}

// Reply builds a command that resolves a request by correlation id.
func Reply(kind Kind, correlationID string, data map[string]interface{}) Message {
	return Message{V: CurrentVersion, Class: ClassCommand, Kind: kind, CorrelationID: correlationID, Data: data}
}

// WithAgent returns a copy stamped with the emitting agent id.
func (m Message) WithAgent(agentID string) Message {
	m.AgentID = agentID
	return m
}

// WithTurn returns a copy stamped with turn id and step number.
func (m Message) WithTurn(turnID string, step int) Message {
	m.TurnID = turnID
	m.Step = step
	return m
}
