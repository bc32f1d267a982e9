package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrWong99/storyline/internal/cache"
	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/pkg/types"
)

const (
	trendingStoriesLimit    = 5
	recentlyListenedLimit   = 2
	trendingCategoriesLimit = 4

	trendingStoriesWindow    = 14 * 24 * time.Hour
	trendingCategoriesWindow = 21 * 24 * time.Hour
)

type dashboardData struct {
	TrendingStories    []types.DashboardStory `json:"trendingStories"`
	RecentlyListened   []types.DashboardStory `json:"recentlyListened"`
	TrendingCategories []types.CategoryStat   `json:"trendingCategories"`
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r, true)
	if err != nil {
		b = body{}
	}
	var userID *int64
	if !b.isNull("user_id") {
		id, ok := b.id("user_id")
		if !ok {
			failure(w, "Invalid user ID format")
			return
		}
		userID = &id
	}

	ctx := r.Context()
	log := observe.Logger(ctx)
	key := cache.DashboardKey(userID)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		log.Warn("api: dashboard cache read", "key", key, "err", err)
	} else if ok {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write(cached)
		return
	}

	data := s.buildDashboard(ctx, userID)
	payload, err := json.Marshal(envelope(true, "Dashboard data retrieved successfully", fields{"dashboard": data}))
	if err != nil {
		internalError(w, r, "encode dashboard", err)
		return
	}
	payload = append(payload, '\n')
	if err := s.cache.Set(ctx, key, payload); err != nil {
		log.Warn("api: dashboard cache write", "key", key, "err", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(payload)
}

// buildDashboard assembles the three dashboard lists. A failing query is
// logged and leaves its list empty.
func (s *Server) buildDashboard(ctx context.Context, userID *int64) dashboardData {
	log := observe.Logger(ctx)
	now := s.now()
	keep := func(list string, err error) bool {
		if err != nil {
			log.Warn("api: dashboard query failed", "list", list, "err", err)
			return false
		}
		return true
	}

	var d dashboardData
	if stories, err := s.store.TrendingStories(ctx, now.Add(-trendingStoriesWindow), trendingStoriesLimit); keep("trending stories", err) {
		d.TrendingStories = stories
	}
	if len(d.TrendingStories) == 0 {
		if stories, err := s.store.RecentStories(ctx, trendingStoriesLimit); keep("recent stories", err) {
			d.TrendingStories = stories
		}
	}

	if userID != nil && *userID != 0 {
		if stories, err := s.store.RecentlyListened(ctx, *userID, recentlyListenedLimit); keep("recently listened", err) {
			d.RecentlyListened = stories
		}
		if len(d.RecentlyListened) == 0 {
			if stories, err := s.store.RecommendedStories(ctx, *userID, recentlyListenedLimit); keep("recommended", err) {
				for i := range stories {
					stories[i].IsRecommended = true
				}
				d.RecentlyListened = stories
			}
		}
	}

	if cats, err := s.store.TrendingCategories(ctx, now.Add(-trendingCategoriesWindow), trendingCategoriesLimit); keep("trending categories", err) {
		d.TrendingCategories = cats
	}
	if len(d.TrendingCategories) == 0 {
		if cats, err := s.store.PopularCategories(ctx, trendingCategoriesLimit); keep("popular categories", err) {
			d.TrendingCategories = cats
		}
	}
	for i := range d.TrendingCategories {
		d.TrendingCategories[i].ImageURL = s.categoryImageURL(d.TrendingCategories[i].ID)
	}

	if d.TrendingStories == nil {
		d.TrendingStories = []types.DashboardStory{}
	}
	if d.RecentlyListened == nil {
		d.RecentlyListened = []types.DashboardStory{}
	}
	if d.TrendingCategories == nil {
		d.TrendingCategories = []types.CategoryStat{}
	}
	return d
}
