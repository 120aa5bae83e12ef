// Package channel defines the addressing scheme and message schemas for
// pulse realtime channels. Every (user, workflow) pair owns one channel
// carrying two topics: "updates" for structured progress events and
// "ai-stream" for raw generative-output chunks.
package channel

import (
	"fmt"
	"strings"
)

// Topic names carried by every workflow channel.
const (
	// TopicUpdates carries structured log/progress/status/result/error
	// events emitted during run execution.
	TopicUpdates = "updates"

	// TopicAIStream carries raw chunk events for long-running generative
	// output, reassembled client-side.
	TopicAIStream = "ai-stream"
)

// Channel is an addressable pub/sub destination scoped to one
// (userID, workflowID) pair, in the form "user:{userID}:workflow:{workflowID}".
type Channel string

// Workflow returns the channel for the given user and workflow.
func Workflow(userID, workflowID string) Channel {
	return Channel("user:" + userID + ":workflow:" + workflowID)
}

// Parse splits a channel string back into its user and workflow IDs.
func Parse(s string) (userID, workflowID string, err error) {
	rest, ok := strings.CutPrefix(s, "user:")
	if !ok {
		return "", "", fmt.Errorf("channel: invalid channel %q", s)
	}
	userID, workflowID, ok = strings.Cut(rest, ":workflow:")
	if !ok || userID == "" || workflowID == "" {
		return "", "", fmt.Errorf("channel: invalid channel %q", s)
	}
	return userID, workflowID, nil
}

// String returns the channel identifier.
func (c Channel) String() string { return string(c) }

// UserID returns the user component, or "" if the channel is malformed.
func (c Channel) UserID() string {
	u, _, err := Parse(string(c))
	if err != nil {
		return ""
	}
	return u
}

// WorkflowID returns the workflow component, or "" if the channel is malformed.
func (c Channel) WorkflowID() string {
	_, w, err := Parse(string(c))
	if err != nil {
		return ""
	}
	return w
}

// Validate checks that the channel is well-formed.
func (c Channel) Validate() error {
	_, _, err := Parse(string(c))
	return err
}

// Topics returns the topics every workflow channel carries.
func Topics() []string {
	return []string{TopicUpdates, TopicAIStream}
}

// ValidateTopic checks whether a topic name is one this channel scheme
// carries.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicUpdates, TopicAIStream:
		return nil
	default:
		return fmt.Errorf("channel: unknown topic %q", topic)
	}
}
