package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"

	"deepchat/types"
)

var ErrStreamConsumed = errors.New("stream already consumed")

type Channel int

const (
	ChannelContent Channel = iota
	ChannelReasoning
)

func (c Channel) String() string {
	if c == ChannelReasoning {
		return "reasoning"
	}
	return "content"
}

// Delta is one fragment of the answer on one channel.
type Delta struct {
	Channel Channel
	Text    string
}

// StreamError is an error object the server sent inside the event stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "stream error: " + e.Message
	}
	return fmt.Sprintf("stream error (%s): %s", e.Type, e.Message)
}

// Stream is a lazy, single-pass sequence of deltas. Nothing is sent until
// All is ranged over.
type Stream struct {
	c       *Client
	ctx     context.Context
	prompt  string
	history []types.HistoryMessage
	used    atomic.Bool
}

func (c *Client) Stream(ctx context.Context, prompt string, history []types.HistoryMessage) *Stream {
	return &Stream{c: c, ctx: ctx, prompt: prompt, history: history}
}

// All yields deltas until the server finishes, an error occurs or the
// context is cancelled. An error is always the last value yielded.
// Cancellation ends the sequence without an error.
func (s *Stream) All() iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield(Delta{}, ErrStreamConsumed)
			return
		}

		body, err := s.c.open(s.ctx, s.prompt, s.history)
		if err != nil {
			if s.ctx.Err() == nil {
				yield(Delta{}, err)
			}
			return
		}
		defer body.Close()

		if err := readEvents(s.ctx, body, yield); err != nil && s.ctx.Err() == nil {
			yield(Delta{}, err)
		}
	}
}

// readEvents parses server-sent events from r. It returns nil when the
// stream ends, the consumer stops or ctx is done. A body that ends without a
// single data event is not a stream: it is decoded as an error object when
// possible and reported as malformed otherwise.
func readEvents(ctx context.Context, r io.Reader, yield func(Delta, error) bool) error {
	streamReader := bufio.NewReader(r)
	sawEvent := false
	var stray strings.Builder
	for {
		line, readErr := streamReader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read stream: %w", readErr)
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "data:"):
			sawEvent = true
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return nil
			}
			if payload != "" {
				more, err := dispatch(ctx, payload, yield)
				if err != nil || !more {
					return err
				}
			}
		case !sawEvent && !strings.HasPrefix(line, ":") && stray.Len() < maxErrorBody:
			stray.WriteString(line)
			stray.WriteByte('\n')
		}
		// blank lines, ":" keep-alives and other SSE fields carry nothing

		if readErr != nil {
			if sawEvent {
				return nil
			}
			return notAStream(stray.String())
		}
	}
}

func notAStream(body string) error {
	var responseData types.ResponseData
	if err := json.Unmarshal([]byte(body), &responseData); err == nil && responseData.Error != nil {
		return &StreamError{Type: responseData.Error.Type, Message: responseData.Error.Message}
	}
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Errorf("malformed stream: no data events in response %q", body)
}

func dispatch(ctx context.Context, payload string, yield func(Delta, error) bool) (bool, error) {
	var responseData types.ResponseData
	if err := json.Unmarshal([]byte(payload), &responseData); err != nil {
		return false, fmt.Errorf("malformed stream chunk: %w", err)
	}
	if responseData.Error != nil {
		return false, &StreamError{Type: responseData.Error.Type, Message: responseData.Error.Message}
	}
	if len(responseData.Choices) == 0 {
		return true, nil
	}

	delta := responseData.Choices[0].Delta
	for _, d := range []Delta{
		{Channel: ChannelReasoning, Text: delta.ReasoningContent},
		{Channel: ChannelContent, Text: delta.Content},
	} {
		if d.Text == "" {
			continue
		}
		if ctx.Err() != nil {
			return false, nil
		}
		if !yield(d, nil) {
			return false, nil
		}
	}
	return true, nil
}
