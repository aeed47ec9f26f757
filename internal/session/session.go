// Package session implements the Session Runner (spec.md §4.6): a
// bounded single-session executor that submits one prompt to an LLM
// client, translates its streamed response into text/tool callbacks, and
// classifies the outcome. Grounded on agent/core/session_runner.py's
// run_agent_session.
//
// The LLM SDK itself is an external collaborator (spec.md §1) — this
// package never binds to a concrete client. Client and EventStream are
// the opaque interfaces a caller's SDK adapter must satisfy.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxTurns hard-bounds one session to this many assistant turns, per
// spec.md §4.6.
const MaxTurns = 1000

// toolInputTruncateAt and toolErrorTruncateAt are the exact formatting
// thresholds session_runner.py uses, carried over verbatim per
// SPEC_FULL.md's supplemented feature #4.
const (
	toolInputTruncateAt = 200
	toolErrorTruncateAt = 500
)

// BlockKind distinguishes the two kinds of content an assistant turn can
// carry.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockToolUse
)

// Block is one piece of an assistant message's content.
type Block struct {
	Kind BlockKind

	Text string // set when Kind == BlockText

	ToolName  string // set when Kind == BlockToolUse
	ToolInput string // raw, untruncated JSON/string form of the tool's input
}

// MessageKind distinguishes an assistant turn from a tool-result message.
type MessageKind int

const (
	MessageAssistant MessageKind = iota
	MessageToolResult
)

// Message is one unit the stream yields: either an assistant turn (a list
// of text/tool-use blocks) or a tool-result message reporting the outcome
// of a previously requested tool call.
type Message struct {
	Kind MessageKind

	Blocks []Block // set when Kind == MessageAssistant

	ResultContent string // set when Kind == MessageToolResult
	IsError       bool   // set when Kind == MessageToolResult
}

// EventStream yields the Messages of one query's response, in order. Next
// returns io.EOF once the stream is exhausted.
type EventStream interface {
	Next(ctx context.Context) (Message, error)
}

// Client is the opaque LLM SDK client this package drives. A concrete
// adapter lives outside this module's scope (spec.md §1 Out of Scope);
// Client is the seam a caller plugs one in through.
type Client interface {
	Query(ctx context.Context, prompt string) (EventStream, error)
}

// Outcome is the result classification run_agent_session.py returns.
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeError    Outcome = "error"
)

// OutputCallback forwards assistant text as it streams in.
type OutputCallback func(text string)

// ToolCallback forwards one tool-use or tool-result event:
// (name, content summary, isError).
type ToolCallback func(name, content string, isError bool)

// Run submits prompt to client and consumes its response stream,
// forwarding text blocks via onOutput and tool use/results via onTool.
// Either callback may be nil. It returns OutcomeContinue on a normal
// end-of-stream, or OutcomeError (with the error's message as the second
// return value) if the stream could not be opened, iterated, or exceeded
// MaxTurns assistant turns.
func Run(ctx context.Context, client Client, prompt string, onOutput OutputCallback, onTool ToolCallback) (Outcome, string) {
	emit(onOutput, "Sending prompt to the coding agent...\n")

	stream, err := client.Query(ctx, prompt)
	if err != nil {
		msg := fmt.Sprintf("error during agent session: %v", err)
		emit(onOutput, msg+"\n")
		return OutcomeError, msg
	}

	var responseText string
	turns := 0

	for {
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errMsg := fmt.Sprintf("error during agent session: %v", err)
			emit(onOutput, errMsg+"\n")
			return OutcomeError, errMsg
		}

		switch msg.Kind {
		case MessageAssistant:
			turns++
			if turns > MaxTurns {
				errMsg := fmt.Sprintf("error during agent session: exceeded maximum of %d assistant turns", MaxTurns)
				emit(onOutput, errMsg+"\n")
				return OutcomeError, errMsg
			}
			for _, block := range msg.Blocks {
				switch block.Kind {
				case BlockText:
					responseText += block.Text
					emit(onOutput, block.Text)
				case BlockToolUse:
					handleToolUse(block, onTool)
				}
			}
		case MessageToolResult:
			handleToolResult(msg, onTool)
		}
	}

	emit(onOutput, "\n---\n")
	return OutcomeContinue, responseText
}

func handleToolUse(block Block, onTool ToolCallback) {
	input := block.ToolInput
	if len(input) > toolInputTruncateAt {
		input = input[:toolInputTruncateAt] + "..."
	}
	emitTool(onTool, block.ToolName, input, false)
}

func handleToolResult(msg Message, onTool ToolCallback) {
	switch {
	case strings.Contains(strings.ToLower(msg.ResultContent), "blocked"):
		emitTool(onTool, "ToolResult", fmt.Sprintf("[BLOCKED] %s", msg.ResultContent), true)
	case msg.IsError:
		content := msg.ResultContent
		if len(content) > toolErrorTruncateAt {
			content = content[:toolErrorTruncateAt]
		}
		emitTool(onTool, "ToolResult", fmt.Sprintf("[Error] %s", content), true)
	default:
		emitTool(onTool, "ToolResult", "[Done]", false)
	}
}

func emit(cb OutputCallback, text string) {
	if cb != nil {
		cb(text)
	}
}

func emitTool(cb ToolCallback, name, content string, isError bool) {
	if cb != nil {
		cb(name, content, isError)
	}
}
