package channel

import "testing"

func TestWorkflowChannelRoundTrip(t *testing.T) {
	t.Parallel()

	ch := Workflow("u1", "wf-abc")
	if ch.String() != "user:u1:workflow:wf-abc" {
		t.Errorf("channel = %q", ch.String())
	}

	userID, workflowID, err := Parse(ch.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if userID != "u1" || workflowID != "wf-abc" {
		t.Errorf("Parse = (%q, %q), want (u1, wf-abc)", userID, workflowID)
	}

	if ch.UserID() != "u1" {
		t.Errorf("UserID = %q", ch.UserID())
	}
	if ch.WorkflowID() != "wf-abc" {
		t.Errorf("WorkflowID = %q", ch.WorkflowID())
	}
}

func TestParseInvalidChannels(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"user:u1",
		"workflow:wf-abc",
		"user::workflow:wf-abc",
		"user:u1:workflow:",
		"prefix:user:u1:workflow:w1",
	}
	for _, s := range tests {
		if _, _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should return error", s)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicUpdates, true},
		{TopicAIStream, true},
		{"firehose", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}
