package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
)

const heartbeatInterval = 30 * time.Second

// sseStream writes server-sent events. The X-Accel-Buffering header keeps
// reverse proxies from buffering the stream.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, nil
}

// Send writes one named event with a JSON payload.
func (s *sseStream) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sse payload")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat writes an SSE comment to keep the connection alive.
func (s *sseStream) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamPatches relays bus patches until the terminal broadcast, the client
// disconnect, or the channel closing. After the terminal patch it waits
// briefly for the agent's task result to settle, then emits one final error
// or finished event.
func (s *Server) streamPatches(r *http.Request, stream *sseStream, ch <-chan *messages.FrontendPatch, agent messages.Agent) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := stream.Heartbeat(); err != nil {
				return
			}
		case patch, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.Send("patch", patch); err != nil {
				logger.G(r.Context()).WithError(err).Debug("sse client gone")
				return
			}
			if patch.ActionTitle != nil && *patch.ActionTitle == messages.ActionFinished {
				time.Sleep(100 * time.Millisecond)
				s.sendTerminalEvent(stream, agent)
				return
			}
		}
	}
}

// streamMessagePatches relays only the patches that mutate one message: those
// addressed to it directly and the "-" broadcasts, which apply to every
// generating message. The stream ends when such a patch finishes the message.
func (s *Server) streamMessagePatches(r *http.Request, stream *sseStream, ch <-chan *messages.FrontendPatch, messageID string) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := stream.Heartbeat(); err != nil {
				return
			}
		case patch, ok := <-ch:
			if !ok {
				return
			}
			if patch.MessageID == nil {
				continue
			}
			if *patch.MessageID != messageID && *patch.MessageID != messages.BroadcastID {
				continue
			}
			if err := stream.Send("patch", patch); err != nil {
				logger.G(r.Context()).WithError(err).Debug("sse client gone")
				return
			}
			if patch.Finished {
				stream.Send("finished", map[string]any{"message": "消息已完成"})
				return
			}
		}
	}
}

func (s *Server) sendTerminalEvent(stream *sseStream, agent messages.Agent) {
	if agent != nil {
		if result := agent.LastTaskResult(); result != nil && !result.Success {
			stream.Send("error", map[string]any{
				"error":      result.Error,
				"error_type": result.ErrorType,
			})
			return
		}
	}
	stream.Send("finished", map[string]any{"message": "任务已完成"})
}
