package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

type fakeStream struct {
	messages []Message
	i        int
	failAt   int // index at which Next returns an error instead, -1 to disable
	err      error
}

func (s *fakeStream) Next(ctx context.Context) (Message, error) {
	if s.failAt >= 0 && s.i == s.failAt {
		return Message{}, s.err
	}
	if s.i >= len(s.messages) {
		return Message{}, io.EOF
	}
	m := s.messages[s.i]
	s.i++
	return m, nil
}

type fakeClient struct {
	stream  *fakeStream
	queryOK bool
}

func (c *fakeClient) Query(ctx context.Context, prompt string) (EventStream, error) {
	if !c.queryOK {
		return nil, errors.New("connection refused")
	}
	return c.stream, nil
}

func TestRunForwardsTextAndReturnsContinue(t *testing.T) {
	client := &fakeClient{queryOK: true, stream: &fakeStream{
		failAt: -1,
		messages: []Message{
			{Kind: MessageAssistant, Blocks: []Block{{Kind: BlockText, Text: "hello "}, {Kind: BlockText, Text: "world"}}},
		},
	}}

	var out strings.Builder
	outcome, text := Run(context.Background(), client, "do work", func(t string) { out.WriteString(t) }, nil)

	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want continue", outcome)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}
	if !strings.Contains(out.String(), "hello world") {
		t.Errorf("onOutput did not see full text: %q", out.String())
	}
}

func TestRunForwardsToolUseTruncated(t *testing.T) {
	longInput := strings.Repeat("x", 250)
	client := &fakeClient{queryOK: true, stream: &fakeStream{
		failAt: -1,
		messages: []Message{
			{Kind: MessageAssistant, Blocks: []Block{{Kind: BlockToolUse, ToolName: "Bash", ToolInput: longInput}}},
		},
	}}

	var gotName, gotContent string
	var gotError bool
	Run(context.Background(), client, "p", nil, func(name, content string, isError bool) {
		gotName, gotContent, gotError = name, content, isError
	})

	if gotName != "Bash" {
		t.Errorf("name = %q, want Bash", gotName)
	}
	if gotError {
		t.Error("isError = true for a plain tool-use block")
	}
	if len(gotContent) != 200+3 || !strings.HasSuffix(gotContent, "...") {
		t.Errorf("content = %q (len %d), want 200 chars + ellipsis", gotContent, len(gotContent))
	}
}

func TestRunToolResultBlocked(t *testing.T) {
	client := &fakeClient{queryOK: true, stream: &fakeStream{
		failAt: -1,
		messages: []Message{
			{Kind: MessageToolResult, ResultContent: "Command BLOCKED by security filter"},
		},
	}}

	var gotContent string
	var gotError bool
	Run(context.Background(), client, "p", nil, func(name, content string, isError bool) {
		gotContent, gotError = content, isError
	})

	if !gotError {
		t.Error("blocked tool result should report isError = true")
	}
	if !strings.HasPrefix(gotContent, "[BLOCKED]") {
		t.Errorf("content = %q, want [BLOCKED] prefix", gotContent)
	}
}

func TestRunToolResultErrorTruncated(t *testing.T) {
	longErr := strings.Repeat("e", 600)
	client := &fakeClient{queryOK: true, stream: &fakeStream{
		failAt: -1,
		messages: []Message{
			{Kind: MessageToolResult, ResultContent: longErr, IsError: true},
		},
	}}

	var gotContent string
	Run(context.Background(), client, "p", nil, func(name, content string, isError bool) { gotContent = content })

	if len(gotContent) != len("[Error] ")+500 {
		t.Errorf("content length = %d, want truncated to 500 chars + prefix", len(gotContent))
	}
}

func TestRunToolResultDone(t *testing.T) {
	client := &fakeClient{queryOK: true, stream: &fakeStream{
		failAt:   -1,
		messages: []Message{{Kind: MessageToolResult, ResultContent: "ok"}},
	}}

	var gotContent string
	Run(context.Background(), client, "p", nil, func(name, content string, isError bool) { gotContent = content })

	if gotContent != "[Done]" {
		t.Errorf("content = %q, want [Done]", gotContent)
	}
}

func TestRunQueryFailureReturnsError(t *testing.T) {
	client := &fakeClient{queryOK: false}

	outcome, text := Run(context.Background(), client, "p", nil, nil)

	if outcome != OutcomeError {
		t.Fatalf("outcome = %v, want error", outcome)
	}
	if !strings.Contains(text, "connection refused") {
		t.Errorf("text = %q, want it to mention the underlying error", text)
	}
}

func TestRunStreamErrorMidwayReturnsError(t *testing.T) {
	client := &fakeClient{queryOK: true, stream: &fakeStream{
		failAt: 0,
		err:    errors.New("stream dropped"),
	}}

	outcome, text := Run(context.Background(), client, "p", nil, nil)

	if outcome != OutcomeError {
		t.Fatalf("outcome = %v, want error", outcome)
	}
	if !strings.Contains(text, "stream dropped") {
		t.Errorf("text = %q", text)
	}
}

func TestRunExceedsMaxTurns(t *testing.T) {
	messages := make([]Message, MaxTurns+1)
	for i := range messages {
		messages[i] = Message{Kind: MessageAssistant, Blocks: []Block{{Kind: BlockText, Text: "."}}}
	}
	client := &fakeClient{queryOK: true, stream: &fakeStream{failAt: -1, messages: messages}}

	outcome, text := Run(context.Background(), client, "p", nil, nil)

	if outcome != OutcomeError {
		t.Fatalf("outcome = %v, want error", outcome)
	}
	if !strings.Contains(text, fmt.Sprintf("%d assistant turns", MaxTurns)) {
		t.Errorf("text = %q, want it to mention the turn cap", text)
	}
}
