// Package server exposes the orchestrator over an Ollama-compatible HTTP
// surface so existing chat frontends can talk to the pipeline unchanged.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/protocol"
)

// Processor is the orchestrator surface the adapter needs.
type Processor interface {
	Process(ctx context.Context, req *protocol.Request) (string, error)
	ProcessStream(ctx context.Context, req *protocol.Request) <-chan protocol.StreamEvent
}

// ModelLister lists the models on the backing runtime; the model client
// implements it.
type ModelLister interface {
	Tags(ctx context.Context) ([]string, error)
}

// Server is the inbound HTTP adapter.
type Server struct {
	processor Processor
	models    ModelLister
	metrics   *observability.Metrics
}

// New creates the adapter.
func New(processor Processor, models ModelLister, metrics *observability.Metrics) *Server {
	return &Server{processor: processor, models: models, metrics: metrics}
}

// Router builds the chi mux with the Ollama-compatible chat surface, the
// tags passthrough, and the metrics endpoint.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/chat", s.handleChat)
	r.Get("/api/tags", s.handleTags)
	r.Get("/health", s.handleHealth)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// chatRequest is the inbound Ollama chat body. Unknown fields are ignored.
type chatRequest struct {
	Model          string             `json:"model"`
	Messages       []protocol.Message `json:"messages"`
	Stream         *bool              `json:"stream"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Options        struct {
		Temperature float64 `json:"temperature,omitempty"`
		TopP        float64 `json:"top_p,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

// chatLine is one line of the Ollama chat response stream.
type chatLine struct {
	Model     string      `json:"model"`
	CreatedAt string      `json:"created_at"`
	Message   chatMessage `json:"message"`
	Done      bool        `json:"done"`
}

type chatMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in chatRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(in.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	req := &protocol.Request{
		Model:          in.Model,
		Messages:       in.Messages,
		ConversationID: in.ConversationID,
		Temperature:    in.Options.Temperature,
		TopP:           in.Options.TopP,
		MaxTokens:      in.Options.NumPredict,
		Stream:         in.Stream == nil || *in.Stream,
		SourceAdapter:  "ollama_http",
	}

	if !req.Stream {
		answer, err := s.processor.Process(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatLine{
			Model:     in.Model,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Message:   chatMessage{Role: "assistant", Content: answer},
			Done:      true,
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)

	writeLine := func(line chatLine) {
		line.Model = in.Model
		line.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
		if err := enc.Encode(line); err != nil {
			slog.Debug("Client dropped chat stream", "error", err)
			return
		}
		flusher.Flush()
	}

	for ev := range s.processor.ProcessStream(r.Context(), req) {
		switch ev.Type {
		case protocol.EventThinking:
			writeLine(chatLine{Message: chatMessage{Role: "assistant", Thinking: ev.Chunk}})
		case protocol.EventContent:
			writeLine(chatLine{Message: chatMessage{Role: "assistant", Content: ev.Chunk}})
		case protocol.EventDone:
			writeLine(chatLine{Message: chatMessage{Role: "assistant"}, Done: true})
		case protocol.EventError, protocol.EventLoopError:
			if ev.Err != nil {
				writeLine(chatLine{Message: chatMessage{
					Role:    "assistant",
					Content: "Error: " + ev.Err.Error(),
				}, Done: true})
			}
		}
		// Loop progress events are internal; the Ollama surface carries
		// only thinking and content.
	}
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	names, err := s.models.Tags(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	type model struct {
		Name string `json:"name"`
	}
	out := struct {
		Models []model `json:"models"`
	}{Models: make([]model, 0, len(names))}
	for _, n := range names {
		out.Models = append(out.Models, model{Name: n})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
