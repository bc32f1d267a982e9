package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/pipeline"
	"github.com/MrWong99/storyline/internal/queue"
	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

// eventWriteTimeout bounds one websocket write to a slow client.
const eventWriteTimeout = 10 * time.Second

// processStory runs or queues the pipeline of one story. Unlike the other
// groups, the pipeline routes answer with real HTTP status codes.
func (s *Server) processStory(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r, false)
	if err != nil {
		failureStatus(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	if b.isNull("story_id") {
		failureStatus(w, http.StatusBadRequest, "Missing story_id")
		return
	}
	storyID, ok := b.id("story_id")
	if !ok {
		failureStatus(w, http.StatusBadRequest, "Invalid story ID format")
		return
	}
	force := b.boolean("force")
	mode, _ := b.str("mode")

	ctx := r.Context()
	if _, err := s.store.StoryMedia(ctx, storyID); errors.Is(err, store.ErrNotFound) {
		failureStatus(w, http.StatusNotFound, "Story not found")
		return
	} else if err != nil {
		s.pipelineError(w, r, err)
		return
	}

	if mode == "sync" {
		s.processSync(w, r, storyID, force)
		return
	}
	if s.enqueuer == nil {
		failureStatus(w, http.StatusServiceUnavailable, "Story processing queue is not configured")
		return
	}
	taskID, err := s.enqueuer.EnqueueStory(ctx, storyID, force)
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		writeJSON(w, http.StatusAccepted, envelope(true, "Story processing already queued", fields{"taskId": taskID}))
	case err != nil:
		s.pipelineError(w, r, err)
	default:
		writeJSON(w, http.StatusAccepted, envelope(true, "Story processing queued", fields{"taskId": taskID}))
	}
}

func (s *Server) processSync(w http.ResponseWriter, r *http.Request, storyID int64, force bool) {
	if s.processor == nil {
		failureStatus(w, http.StatusServiceUnavailable, "Synchronous processing is not available")
		return
	}
	run, err := s.processor.Process(r.Context(), storyID, force)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		failureStatus(w, http.StatusConflict, "Story is already being processed")
	case errors.Is(err, pipeline.ErrStoryNotFound):
		failureStatus(w, http.StatusNotFound, "Story not found")
	case err != nil:
		observe.Logger(r.Context()).Error("api: process story", "story_id", storyID, "err", err)
		writeJSON(w, http.StatusInternalServerError,
			envelope(false, "Internal server error: "+err.Error(), fields{"pipeline": run}))
	default:
		writeJSON(w, http.StatusOK, envelope(true, "Story processing completed successfully.", fields{"pipeline": run}))
	}
}

func (s *Server) pipelineError(w http.ResponseWriter, r *http.Request, err error) {
	observe.Logger(r.Context()).Error("api: pipeline request", "err", err)
	failureStatus(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
}

func (s *Server) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failureStatus(w, http.StatusBadRequest, "Invalid story ID format")
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		failureStatus(w, http.StatusNotFound, "No pipeline run found for story")
		return
	}
	if err != nil {
		s.pipelineError(w, r, err)
		return
	}
	success(w, "Pipeline status retrieved successfully", fields{"pipeline": run})
}

// snapshot is the first websocket message: the persisted run, if any.
type snapshot struct {
	Kind     string             `json:"kind"`
	StoryID  int64              `json:"story_id"`
	Pipeline *types.PipelineRun `json:"pipeline"`
}

// pipelineEvents streams progress events of one story over a websocket
// until the run finishes or the client goes away.
func (s *Server) pipelineEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failureStatus(w, http.StatusBadRequest, "Invalid story ID format")
		return
	}
	if s.events == nil {
		failureStatus(w, http.StatusServiceUnavailable, "Progress events are not available")
		return
	}
	log := observe.Logger(r.Context()).With("story_id", id)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// Incoming messages are ignored; the context ends when the client closes.
	ctx := conn.CloseRead(r.Context())

	ch, cancel, err := s.events.Subscribe(ctx, id)
	if err != nil {
		log.Error("api: subscribe to pipeline events", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	snap := snapshot{Kind: "snapshot", StoryID: id}
	if run, err := s.store.GetRun(ctx, id); err == nil {
		snap.Pipeline = run
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn("api: load pipeline snapshot", "err", err)
	}
	if err := writeEvent(ctx, conn, snap); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				log.Debug("api: websocket write", "err", err)
				return
			}
			if ev.Kind.Terminal() {
				_ = conn.Close(websocket.StatusNormalClosure, string(ev.Kind))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
