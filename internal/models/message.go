package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleError Role = "error"
)

// Citation points at a source the agent used for its reply.
type Citation struct {
	Title     string `json:"title"`
	SourceURL string `json:"sourceUrl"`
}

// Message is one entry of a conversation history.
// Committed messages are immutable; Streaming is only ever set on the
// synthetic trailing message built for an in-flight request. Agent is set on
// user messages and names the agent they were addressed to.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Citations []Citation `json:"citations,omitempty"`
	Asset     string     `json:"asset,omitempty"`
	Agent     string     `json:"agent,omitempty"`
	Partial   bool       `json:"partial,omitempty"`
	Streaming bool       `json:"streaming,omitempty"`
}

// CloneMessages returns a deep copy of msgs.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Citations != nil {
			m.Citations = append([]Citation(nil), m.Citations...)
		}
		out[i] = m
	}
	return out
}
