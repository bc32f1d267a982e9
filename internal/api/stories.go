package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

const (
	// uploadDuration is stored for every upload until real probing exists.
	uploadDuration = types.Clock(600)

	uploadContentType = "audio/aac"

	defaultSimilarLimit = 5
	maxSimilarLimit     = 50
)

// uploadError marks a blob failure inside the CreateStory callback.
type uploadError struct{ err error }

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r, true)
	if err != nil {
		b = body{}
	}
	var f store.StoryFilter
	if !b.isNull("user_id") {
		id, ok := b.id("user_id")
		if !ok {
			failure(w, "Invalid user ID format")
			return
		}
		f.UserID = &id
	}
	if !b.isNull("category_id") {
		id, ok := b.id("category_id")
		if !ok {
			failure(w, "Invalid category ID format")
			return
		}
		f.CategoryID = &id
	}
	if order, ok := b.str("order"); ok {
		f.Descending = strings.EqualFold(order, "descending")
	}

	stories, err := s.store.ListStories(r.Context(), f)
	if err != nil {
		internalError(w, r, "list stories", err)
		return
	}
	if stories == nil {
		stories = []types.StorySummary{}
	}
	success(w, "Stories retrieved successfully", fields{"stories": stories})
}

func (s *Server) getStory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid story ID format")
		return
	}
	story, err := s.store.StoryDetail(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		failure(w, "Story not found or inactive")
		return
	}
	if err != nil {
		internalError(w, r, "story detail", err)
		return
	}
	success(w, "Story details retrieved successfully", fields{"story": story})
}

// activeStory reports whether the story exists and is active.
func (s *Server) activeStory(ctx context.Context, id int64) (bool, error) {
	media, err := s.store.StoryMedia(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return media.Active, nil
}

func (s *Server) likeStory(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r, false)
	if err != nil {
		failure(w, "Invalid JSON in request body")
		return
	}
	for _, key := range []string{"story_id", "user_id"} {
		if !b.has(key) {
			failure(w, "Missing required field: "+key)
			return
		}
	}
	if !b.has("action") {
		failure(w, "Missing required field: action (increase or decrease)")
		return
	}
	action, _ := b.str("action")
	action = strings.ToLower(action)
	if action != "increase" && action != "decrease" {
		failure(w, "Invalid action value. Must be 'increase' or 'decrease'")
		return
	}
	storyID, ok1 := b.id("story_id")
	userID, ok2 := b.id("user_id")
	if !ok1 || !ok2 {
		failure(w, "Invalid ID format. Both story_id and user_id must be integers")
		return
	}

	ctx := r.Context()
	if active, err := s.activeStory(ctx, storyID); err != nil {
		internalError(w, r, "like story", err)
		return
	} else if !active {
		failure(w, "Story not found or inactive")
		return
	}
	if active, err := s.store.UserActive(ctx, userID); err != nil {
		internalError(w, r, "like story", err)
		return
	} else if !active {
		failure(w, "User not found or inactive")
		return
	}

	like := action == "increase"
	res, err := s.store.SetLike(ctx, storyID, userID, like)
	if err != nil {
		internalError(w, r, "like story", err)
		return
	}
	switch {
	case like && !res.Changed:
		success(w, "Story already liked by this user", fields{"like_id": res.LikeID})
	case like:
		success(w, "Story liked successfully", fields{"like_id": res.LikeID, "likeCount": res.LikeCount})
	case !res.Changed:
		success(w, "No active like found to remove", nil)
	default:
		success(w, "Story unliked successfully", fields{"likeCount": res.LikeCount})
	}
}

func (s *Server) uploadStory(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			failure(w, fmt.Sprintf("Upload exceeds the maximum size of %d bytes", tooLarge.Limit))
			return
		}
		internalError(w, r, "parse upload", err)
		return
	}

	rawUser, title := r.FormValue("user_id"), r.FormValue("title")
	if rawUser == "" || title == "" {
		failure(w, "Missing required fields: user_id, title")
		return
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(rawUser), 10, 64)
	if err != nil {
		failure(w, "Invalid user ID format")
		return
	}
	categories, ok := formCategories(r.FormValue("categories"))
	if !ok {
		failure(w, "Categories must be an array")
		return
	}
	if len(categories) > MaxPreferredCategories {
		failure(w, "Maximum 3 categories allowed")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		failure(w, "No audio file provided")
		return
	}
	defer file.Close()

	ctx := r.Context()
	if active, err := s.store.UserActive(ctx, userID); err != nil {
		internalError(w, r, "upload story", err)
		return
	} else if !active {
		failure(w, "User not found or inactive")
		return
	}
	if len(categories) > 0 {
		found, err := s.store.ActiveCategoryIDs(ctx, categories)
		if err != nil {
			internalError(w, r, "upload story", err)
			return
		}
		if len(found) != len(categories) {
			failure(w, "One or more categories not found or inactive")
			return
		}
	}

	audio, err := io.ReadAll(file)
	if err != nil {
		internalError(w, r, "read upload", err)
		return
	}
	now := s.now()
	created, err := s.store.CreateStory(ctx, store.NewStory{
		UserID:     userID,
		Title:      title,
		Categories: categories,
		Created:    now,
		Duration:   uploadDuration,
	}, func(ctx context.Context, storyID int64) (string, string, error) {
		name := fmt.Sprintf("%d/%d/%s.aac", userID, storyID, now.Format("20060102150405"))
		url, err := s.blobs.Upload(ctx, s.containers.Audio, name, audio, uploadContentType)
		if err != nil {
			return "", "", &uploadError{err: err}
		}
		return name, url, nil
	})
	var upErr *uploadError
	if errors.As(err, &upErr) {
		failure(w, "Error uploading to blob storage: "+upErr.Error())
		return
	}
	if err != nil {
		internalError(w, r, "upload story", err)
		return
	}

	resp := fields{"story": fields{
		"id":         created.ID,
		"title":      created.Title,
		"user_id":    created.UserID,
		"story_url":  created.StoryURL,
		"created":    created.Created.Format("2006-01-02 15:04:05"),
		"duration":   created.Duration,
		"categories": created.Categories,
	}}
	if s.autoEnqueue.Load() && s.enqueuer != nil {
		resp["processing"] = s.enqueueUpload(ctx, created.ID)
	}
	success(w, "Story uploaded successfully", resp)
}

// enqueueUpload queues a fresh upload. The upload itself already succeeded,
// so a queue failure is reported, not returned as an error.
func (s *Server) enqueueUpload(ctx context.Context, storyID int64) fields {
	taskID, err := s.enqueuer.EnqueueStory(context.WithoutCancel(ctx), storyID, false)
	if err != nil && taskID == "" {
		observe.Logger(ctx).Warn("api: enqueue uploaded story", "story_id", storyID, "err", err)
		return fields{"queued": false, "error": err.Error()}
	}
	return fields{"queued": true, "taskId": taskID}
}

// formCategories decodes the JSON array sent in the categories form field.
// A missing field is an empty list.
func formCategories(v string) ([]int64, bool) {
	if strings.TrimSpace(v) == "" {
		return []int64{}, true
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(v), &raw); err != nil || raw == nil {
		return nil, false
	}
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		id, ok := parseID(item)
		if !ok {
			// Unknown ids fail the active-category check instead.
			id = 0
		}
		ids = append(ids, id)
	}
	return ids, true
}

func (s *Server) listenStory(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r, false)
	if err != nil {
		failure(w, "Invalid JSON in request body")
		return
	}
	for _, key := range []string{"story_id", "user_id"} {
		if !b.has(key) {
			failure(w, "Missing required field: "+key)
			return
		}
	}
	storyID, ok1 := b.id("story_id")
	userID, ok2 := b.id("user_id")
	if !ok1 || !ok2 {
		failure(w, "Invalid ID format. Both story_id and user_id must be integers")
		return
	}
	var end *types.Clock
	if !b.isNull("end_duration") {
		var c types.Clock
		if err := json.Unmarshal(b["end_duration"], &c); err != nil {
			failure(w, "end_duration must be in format HH:MM:SS")
			return
		}
		end = &c
	}

	ctx := r.Context()
	if active, err := s.activeStory(ctx, storyID); err != nil {
		internalError(w, r, "record listen", err)
		return
	} else if !active {
		failure(w, "Story not found or inactive")
		return
	}
	if active, err := s.store.UserActive(ctx, userID); err != nil {
		internalError(w, r, "record listen", err)
		return
	} else if !active {
		failure(w, "User not found or inactive")
		return
	}

	listenID, err := s.store.RecordListen(ctx, storyID, userID, end)
	if errors.Is(err, store.ErrNotFound) {
		failure(w, "Story not found or inactive")
		return
	}
	if err != nil {
		internalError(w, r, "record listen", err)
		return
	}
	success(w, "Listen recorded successfully", fields{"listen_id": listenID})
}

func (s *Server) storiesByCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid category ID format")
		return
	}
	q := r.URL.Query()
	descending := true
	if order := q.Get("order"); order != "" {
		descending = strings.EqualFold(order, "descending")
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			failure(w, "Invalid limit format")
			return
		}
		if n <= 0 {
			failure(w, "Limit must be a positive integer")
			return
		}
		limit = n
	}

	cat, err := s.store.GetCategory(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		failure(w, "Category not found or inactive")
		return
	}
	if err != nil {
		internalError(w, r, "stories by category", err)
		return
	}
	stories, err := s.store.StoriesByCategory(r.Context(), id, descending, limit)
	if err != nil {
		internalError(w, r, "stories by category", err)
		return
	}
	if stories == nil {
		stories = []types.CategoryStory{}
	}
	for i := range stories {
		stories[i].ThumbnailURL = s.thumbnailURL(stories[i].ID)
	}
	success(w, "Stories retrieved successfully", fields{
		"category": fields{"id": cat.ID, "name": cat.Name},
		"stories":  stories,
		"count":    len(stories),
	})
}

// thumbnailURL points at the story's cover image in the story-images
// container.
func (s *Server) thumbnailURL(storyID int64) string {
	return s.blobs.URL(s.containers.StoryImages, strconv.FormatInt(storyID, 10)+"_1.jpeg")
}

func (s *Server) similarStories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid story ID format")
		return
	}
	limit := defaultSimilarLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			failure(w, "Invalid limit format")
			return
		}
		if n <= 0 {
			failure(w, "Limit must be a positive integer")
			return
		}
		limit = min(n, maxSimilarLimit)
	}

	ctx := r.Context()
	if active, err := s.activeStory(ctx, id); err != nil {
		internalError(w, r, "similar stories", err)
		return
	} else if !active {
		failure(w, "Story not found or inactive")
		return
	}
	similar, err := s.store.SimilarStories(ctx, id, limit)
	if errors.Is(err, store.ErrNotFound) {
		failure(w, "Story has not been indexed yet")
		return
	}
	if err != nil {
		internalError(w, r, "similar stories", err)
		return
	}
	if similar == nil {
		similar = []types.SimilarStory{}
	}
	success(w, "Similar stories retrieved successfully", fields{"stories": similar, "count": len(similar)})
}
