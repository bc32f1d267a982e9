// Package mock provides an in-memory [store.Store] for tests.
//
// Unlike a pure call recorder, the Store keeps real tables in maps so that
// handlers and the pipeline can be exercised end to end. Every method
// invocation is recorded, and any method can be forced to fail through
// [Store.FailOn].
//
//	st := mock.New()
//	uid := st.AddUser(types.User{FirstName: "Ada", Active: true})
//	st.FailOn("SetGenAudioURL", errors.New("db down"))
package mock

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Call records the name and non-context arguments of one method invocation.
type Call struct {
	Method string
	Args   []any
}

// StoryRow is the stored form of a story.
type StoryRow struct {
	ID          int64
	UserID      int64
	Title       string
	StoryURL    string
	AudioBlob   string
	GenAudioURL *string
	Created     time.Time
	Duration    types.Clock
	ListenCount int64
	Active      bool
	Categories  []int64
}

type likeRow struct {
	id, userID, storyID int64
	updated             time.Time
	active              bool
}

type listenRow struct {
	id, userID, storyID int64
	at                  time.Time
	end                 *types.Clock
}

type prefRow struct {
	id, userID, categoryID int64
	created                time.Time
	active                 bool
}

// Store is an in-memory [store.Store]. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
	seq   int64

	// Now is the clock used for timestamps and lease expiry.
	Now func() time.Time

	users      map[int64]types.User
	categories map[int64]types.Category
	stories    map[int64]*StoryRow
	likes      []*likeRow
	listens    []*listenRow
	prefs      []*prefRow
	timeline   map[int64][]types.TimelineEvent
	runs       map[int64]*types.PipelineRun
	embeddings map[int64][]float32
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		Now:        time.Now,
		fail:       make(map[string]error),
		users:      make(map[int64]types.User),
		categories: make(map[int64]types.Category),
		stories:    make(map[int64]*StoryRow),
		timeline:   make(map[int64][]types.TimelineEvent),
		runs:       make(map[int64]*types.PipelineRun),
		embeddings: make(map[int64][]float32),
	}
}

// FailOn makes every later call to method return err. A nil err clears it.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Calls returns a copy of all recorded invocations.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// record must be called with mu held. It returns the injected failure, if any.
func (s *Store) record(method string, args ...any) error {
	s.calls = append(s.calls, Call{Method: method, Args: args})
	return s.fail[method]
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// AddUser seeds a user and returns its id. A zero ID is assigned.
func (s *Store) AddUser(u types.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.nextID()
	}
	s.users[u.ID] = u
	return u.ID
}

// AddCategory seeds a category and returns its id.
func (s *Store) AddCategory(c types.Category) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID()
	}
	if c.Created.IsZero() {
		c.Created = s.Now()
	}
	s.categories[c.ID] = c
	return c.ID
}

// AddStory seeds a story and returns its id.
func (s *Store) AddStory(r StoryRow) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID()
	}
	if r.Created.IsZero() {
		r.Created = s.Now()
	}
	s.stories[r.ID] = &r
	return r.ID
}

// Story returns a copy of the stored story row.
func (s *Store) Story(id int64) (StoryRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.stories[id]
	if !ok {
		return StoryRow{}, false
	}
	return *r, true
}

// Timeline returns the stored timeline of a story.
func (s *Store) Timeline(storyID int64) []types.TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.timeline[storyID])
}

// Embedding returns the stored vector of a story.
func (s *Store) Embedding(storyID int64) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.embeddings[storyID])
}

// SetRun overwrites the stored run of a story.
func (s *Store) SetRun(run *types.PipelineRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.StoryID] = cloneRun(run)
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("Ping")
}

// ── Users ───────────────────────────────────────────────────────────────────

func (s *Store) GetUser(_ context.Context, id int64) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetUser", id); err != nil {
		return types.User{}, err
	}
	u, ok := s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) CreateUser(_ context.Context, nu store.NewUser) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateUser", nu); err != nil {
		return types.User{}, err
	}
	u := types.User{ID: s.nextID(), FirstName: nu.FirstName, LastName: nu.LastName, Active: true}
	if nu.Birthday != nil {
		u.Birthday = *nu.Birthday
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, id int64, p types.UserPatch) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpdateUser", id, p); err != nil {
		return types.User{}, err
	}
	u, ok := s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.SetLastName {
		u.LastName = p.LastName
	}
	if p.SetBirthday {
		u.Birthday = types.Date{}
		if p.Birthday != nil {
			u.Birthday = *p.Birthday
		}
	}
	s.users[id] = u
	return u, nil
}

func (s *Store) DeactivateUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeactivateUser", id); err != nil {
		return err
	}
	u, ok := s.users[id]
	switch {
	case !ok:
		return store.ErrNotFound
	case !u.Active:
		return store.ErrInactive
	}
	u.Active = false
	s.users[id] = u
	return nil
}

func (s *Store) UserActive(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UserActive", id); err != nil {
		return false, err
	}
	return s.users[id].Active, nil
}

// ── Categories ──────────────────────────────────────────────────────────────

func (s *Store) activeCategories() []types.Category {
	var out []types.Category
	for _, c := range s.categories {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) ListCategories(context.Context) ([]types.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListCategories"); err != nil {
		return nil, err
	}
	return s.activeCategories(), nil
}

func (s *Store) GetCategory(_ context.Context, id int64) (types.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetCategory", id); err != nil {
		return types.Category{}, err
	}
	c, ok := s.categories[id]
	if !ok || !c.Active {
		return types.Category{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ActiveCategoryIDs(_ context.Context, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ActiveCategoryIDs", ids); err != nil {
		return nil, err
	}
	var out []int64
	for _, id := range ids {
		if c, ok := s.categories[id]; ok && c.Active && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) PreferredCategories(_ context.Context, userID int64) ([]types.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("PreferredCategories", userID); err != nil {
		return nil, err
	}
	var rows []*prefRow
	for _, p := range s.prefs {
		if p.userID == userID && p.active && s.categories[p.categoryID].Active {
			rows = append(rows, p)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].created.Equal(rows[j].created) {
			return rows[i].created.After(rows[j].created)
		}
		return rows[i].id > rows[j].id
	})
	out := make([]types.Category, 0, len(rows))
	for _, p := range rows {
		out = append(out, s.categories[p.categoryID])
	}
	return out, nil
}

func (s *Store) SetPreferredCategories(_ context.Context, userID int64, ids []int64) ([]types.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetPreferredCategories", userID, ids); err != nil {
		return nil, err
	}
	for _, p := range s.prefs {
		if p.userID == userID {
			p.active = false
		}
	}
	var out []types.Category
	for _, id := range ids {
		idx := slices.IndexFunc(s.prefs, func(p *prefRow) bool { return p.userID == userID && p.categoryID == id })
		if idx >= 0 {
			s.prefs[idx].active, s.prefs[idx].created = true, s.Now()
		} else {
			s.prefs = append(s.prefs, &prefRow{id: s.nextID(), userID: userID, categoryID: id, created: s.Now(), active: true})
		}
		if c, ok := s.categories[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ── Stories ─────────────────────────────────────────────────────────────────

func (s *Store) author(id int64) types.Author {
	u := s.users[id]
	return types.Author{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName}
}

func (s *Store) refs(r *StoryRow, withIcon bool) []types.CategoryRef {
	out := []types.CategoryRef{}
	ids := slices.Clone(r.Categories)
	slices.Sort(ids)
	for _, id := range ids {
		c, ok := s.categories[id]
		if !ok || !c.Active {
			continue
		}
		ref := types.CategoryRef{ID: c.ID, Name: c.Name, Description: c.Description}
		if withIcon {
			ref.Icon = c.Icon
		}
		out = append(out, ref)
	}
	return out
}

func (s *Store) likeCount(storyID int64) int64 {
	var n int64
	for _, l := range s.likes {
		if l.storyID == storyID && l.active {
			n++
		}
	}
	return n
}

// activeStories returns active stories ordered by creation time.
func (s *Store) activeStories(desc bool) []*StoryRow {
	var out []*StoryRow
	for _, r := range s.stories {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if desc {
			a, b = b, a
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Store) summary(r *StoryRow) types.StorySummary {
	return types.StorySummary{
		ID:         r.ID,
		Title:      r.Title,
		Created:    types.NewDate(r.Created),
		Duration:   r.Duration,
		Author:     s.author(r.UserID),
		Categories: s.refs(r, false),
		LikeCount:  s.likeCount(r.ID),
	}
}

func (s *Store) ListStories(_ context.Context, f store.StoryFilter) ([]types.StorySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListStories", f); err != nil {
		return nil, err
	}
	out := []types.StorySummary{}
	for _, r := range s.activeStories(f.Descending) {
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		if f.CategoryID != nil && !slices.Contains(r.Categories, *f.CategoryID) {
			continue
		}
		out = append(out, s.summary(r))
	}
	return out, nil
}

func (s *Store) StoryDetail(_ context.Context, id int64) (types.StoryDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StoryDetail", id); err != nil {
		return types.StoryDetail{}, err
	}
	r, ok := s.stories[id]
	if !ok || !r.Active {
		return types.StoryDetail{}, store.ErrNotFound
	}
	u := s.users[r.UserID]
	d := types.StoryDetail{
		ID:          r.ID,
		Title:       r.Title,
		StoryURL:    r.StoryURL,
		GenAudioURL: r.GenAudioURL,
		Created:     types.NewDate(r.Created),
		Duration:    r.Duration,
		ListenCount: r.ListenCount,
		Active:      true,
		Author: types.AuthorDetail{
			Author:    s.author(r.UserID),
			BirthDate: u.Birthday,
		},
		LikeCount:       s.likeCount(id),
		Categories:      s.refs(r, true),
		TimelineColors:  []types.TimelineEvent{},
		Likes:           []types.Like{},
		RecentListeners: []types.Listener{},
	}
	d.TimelineColors = append(d.TimelineColors, s.timeline[id]...)
	sort.SliceStable(d.TimelineColors, func(i, j int) bool { return d.TimelineColors[i].Time < d.TimelineColors[j].Time })

	for i := len(s.likes) - 1; i >= 0; i-- {
		l := s.likes[i]
		if l.storyID == id && l.active {
			d.Likes = append(d.Likes, types.Like{ID: l.id, User: s.author(l.userID), Updated: types.NewDate(l.updated)})
		}
	}
	for i := len(s.listens) - 1; i >= 0 && len(d.RecentListeners) < 10; i-- {
		l := s.listens[i]
		if l.storyID == id {
			d.RecentListeners = append(d.RecentListeners, types.Listener{
				ID: l.id, User: s.author(l.userID), ListenTime: types.NewDate(l.at), EndDuration: l.end,
			})
		}
	}
	return d, nil
}

func (s *Store) StoriesByCategory(_ context.Context, categoryID int64, descending bool, limit int) ([]types.CategoryStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StoriesByCategory", categoryID, descending, limit); err != nil {
		return nil, err
	}
	out := []types.CategoryStory{}
	for _, r := range s.activeStories(descending) {
		if !slices.Contains(r.Categories, categoryID) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, types.CategoryStory{StorySummary: s.summary(r), ListenCount: r.ListenCount})
	}
	return out, nil
}

// CreateStory implements [store.Stories]. The story becomes visible only
// after upload succeeds.
func (s *Store) CreateStory(ctx context.Context, ns store.NewStory, upload store.UploadFunc) (store.CreatedStory, error) {
	s.mu.Lock()
	if err := s.record("CreateStory", ns); err != nil {
		s.mu.Unlock()
		return store.CreatedStory{}, err
	}
	id := s.nextID()
	s.mu.Unlock()

	blobName, url, err := upload(ctx, id)
	if err != nil {
		return store.CreatedStory{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories[id] = &StoryRow{
		ID:         id,
		UserID:     ns.UserID,
		Title:      ns.Title,
		StoryURL:   url,
		AudioBlob:  blobName,
		Created:    ns.Created,
		Duration:   ns.Duration,
		Active:     true,
		Categories: slices.Clone(ns.Categories),
	}
	return store.CreatedStory{
		ID:         id,
		Title:      ns.Title,
		UserID:     ns.UserID,
		StoryURL:   url,
		AudioBlob:  blobName,
		Created:    ns.Created,
		Duration:   ns.Duration,
		Categories: ns.Categories,
	}, nil
}

func (s *Store) StoryMedia(_ context.Context, id int64) (types.StoryMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StoryMedia", id); err != nil {
		return types.StoryMedia{}, err
	}
	r, ok := s.stories[id]
	if !ok {
		return types.StoryMedia{}, store.ErrNotFound
	}
	return types.StoryMedia{
		StoryID:     r.ID,
		UserID:      r.UserID,
		Title:       r.Title,
		AudioBlob:   r.AudioBlob,
		StoryURL:    r.StoryURL,
		GenAudioURL: r.GenAudioURL,
		Active:      r.Active,
	}, nil
}

func (s *Store) SetGenAudioURL(_ context.Context, storyID int64, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetGenAudioURL", storyID, url); err != nil {
		return err
	}
	r, ok := s.stories[storyID]
	if !ok {
		return store.ErrNotFound
	}
	r.GenAudioURL = &url
	return nil
}

func (s *Store) ReplaceTimeline(_ context.Context, storyID int64, events []types.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ReplaceTimeline", storyID, events); err != nil {
		return err
	}
	out := make([]types.TimelineEvent, len(events))
	for i, ev := range events {
		ev.ID = s.nextID()
		out[i] = ev
	}
	s.timeline[storyID] = out
	return nil
}

func (s *Store) SetLike(_ context.Context, storyID, userID int64, like bool) (store.LikeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetLike", storyID, userID, like); err != nil {
		return store.LikeResult{}, err
	}
	var res store.LikeResult
	idx := slices.IndexFunc(s.likes, func(l *likeRow) bool { return l.storyID == storyID && l.userID == userID })
	switch {
	case like && idx >= 0 && s.likes[idx].active:
		res.LikeID = s.likes[idx].id
	case like && idx >= 0:
		s.likes[idx].active, s.likes[idx].updated = true, s.Now()
		res.LikeID, res.Changed = s.likes[idx].id, true
	case like:
		l := &likeRow{id: s.nextID(), userID: userID, storyID: storyID, updated: s.Now(), active: true}
		s.likes = append(s.likes, l)
		res.LikeID, res.Changed = l.id, true
	case idx >= 0 && s.likes[idx].active:
		s.likes[idx].active, s.likes[idx].updated = false, s.Now()
		res.LikeID, res.Changed = s.likes[idx].id, true
	}
	res.LikeCount = s.likeCount(storyID)
	return res, nil
}

func (s *Store) RecordListen(_ context.Context, storyID, userID int64, end *types.Clock) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecordListen", storyID, userID, end); err != nil {
		return 0, err
	}
	r, ok := s.stories[storyID]
	if !ok || !r.Active {
		return 0, store.ErrNotFound
	}
	r.ListenCount++
	l := &listenRow{id: s.nextID(), userID: userID, storyID: storyID, at: s.Now(), end: end}
	s.listens = append(s.listens, l)
	return l.id, nil
}

// ── Dashboard ───────────────────────────────────────────────────────────────

func (s *Store) score(storyID int64, since time.Time) int64 {
	var n int64
	for _, l := range s.listens {
		if l.storyID == storyID && l.at.After(since) {
			n += 2
		}
	}
	for _, l := range s.likes {
		if l.storyID == storyID && l.active && l.updated.After(since) {
			n += 4
		}
	}
	return n
}

func (s *Store) card(r *StoryRow) types.DashboardStory {
	return types.DashboardStory{
		ID:         r.ID,
		Title:      r.Title,
		Duration:   r.Duration,
		Author:     s.author(r.UserID),
		Categories: s.refs(r, true),
	}
}

func datePtr(t time.Time) *types.Date {
	d := types.NewDate(t)
	return &d
}

func (s *Store) TrendingStories(_ context.Context, since time.Time, limit int) ([]types.DashboardStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("TrendingStories", since, limit); err != nil {
		return nil, err
	}
	rows := s.activeStories(true)
	scores := make(map[int64]int64, len(rows))
	var ranked []*StoryRow
	for _, r := range rows {
		if sc := s.score(r.ID, since); sc > 0 {
			scores[r.ID] = sc
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return scores[ranked[i].ID] > scores[ranked[j].ID] })
	out := []types.DashboardStory{}
	for _, r := range ranked[:min(limit, len(ranked))] {
		c := s.card(r)
		c.Created = datePtr(r.Created)
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) RecentStories(_ context.Context, limit int) ([]types.DashboardStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecentStories", limit); err != nil {
		return nil, err
	}
	rows := s.activeStories(true)
	out := []types.DashboardStory{}
	for _, r := range rows[:min(limit, len(rows))] {
		c := s.card(r)
		c.Created = datePtr(r.Created)
		n := r.ListenCount
		c.ListenCount = &n
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) RecentlyListened(_ context.Context, userID int64, limit int) ([]types.DashboardStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecentlyListened", userID, limit); err != nil {
		return nil, err
	}
	out := []types.DashboardStory{}
	seen := map[int64]bool{}
	for i := len(s.listens) - 1; i >= 0 && len(out) < limit; i-- {
		l := s.listens[i]
		r, ok := s.stories[l.storyID]
		if l.userID != userID || seen[l.storyID] || !ok || !r.Active {
			continue
		}
		seen[l.storyID] = true
		c := s.card(r)
		c.StoryURL = r.StoryURL
		c.LastListenTime = datePtr(l.at)
		c.ListenedDuration = l.end
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) RecommendedStories(_ context.Context, userID int64, limit int) ([]types.DashboardStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecommendedStories", userID, limit); err != nil {
		return nil, err
	}
	var preferred []int64
	for _, p := range s.prefs {
		if p.userID == userID && p.active {
			preferred = append(preferred, p.categoryID)
		}
	}
	listened := map[int64]bool{}
	for _, l := range s.listens {
		if l.userID == userID {
			listened[l.storyID] = true
		}
	}

	var candidates []*StoryRow
	for _, r := range s.activeStories(true) {
		if listened[r.ID] {
			continue
		}
		if len(preferred) > 0 && !slices.ContainsFunc(r.Categories, func(c int64) bool { return slices.Contains(preferred, c) }) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(preferred) == 0 {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ListenCount > candidates[j].ListenCount })
	}

	out := []types.DashboardStory{}
	for _, r := range candidates[:min(limit, len(candidates))] {
		c := s.card(r)
		c.StoryURL = r.StoryURL
		c.Created = datePtr(r.Created)
		c.IsRecommended = true
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) categoryStats(keep func(c types.Category, stories []*StoryRow) (int64, bool)) []types.CategoryStat {
	type ranked struct {
		stat  types.CategoryStat
		score int64
	}
	var all []ranked
	active := s.activeStories(false)
	for _, c := range s.categories {
		if !c.Active {
			continue
		}
		var in []*StoryRow
		for _, r := range active {
			if slices.Contains(r.Categories, c.ID) {
				in = append(in, r)
			}
		}
		score, ok := keep(c, in)
		if !ok {
			continue
		}
		all = append(all, ranked{
			stat:  types.CategoryStat{ID: c.ID, Name: c.Name, Description: c.Description, Icon: c.Icon, StoryCount: int64(len(in))},
			score: score,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].stat.ID < all[j].stat.ID
	})
	out := make([]types.CategoryStat, len(all))
	for i, r := range all {
		out[i] = r.stat
	}
	return out
}

func (s *Store) TrendingCategories(_ context.Context, since time.Time, limit int) ([]types.CategoryStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("TrendingCategories", since, limit); err != nil {
		return nil, err
	}
	out := s.categoryStats(func(_ types.Category, in []*StoryRow) (int64, bool) {
		var score int64
		for _, r := range in {
			score += s.score(r.ID, since)
		}
		return score, score > 0
	})
	return out[:min(limit, len(out))], nil
}

func (s *Store) PopularCategories(_ context.Context, limit int) ([]types.CategoryStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("PopularCategories", limit); err != nil {
		return nil, err
	}
	out := s.categoryStats(func(_ types.Category, in []*StoryRow) (int64, bool) {
		return int64(len(in)), len(in) > 0
	})
	if len(out) == 0 {
		for _, c := range s.activeCategories() {
			out = append(out, types.CategoryStat{ID: c.ID, Name: c.Name, Description: c.Description, Icon: c.Icon})
		}
	}
	return out[:min(limit, len(out))], nil
}

// ── Pipeline ────────────────────────────────────────────────────────────────

func cloneRun(r *types.PipelineRun) *types.PipelineRun {
	c := *r
	c.Completed = slices.Clone(r.Completed)
	c.KeyMoments = slices.Clone(r.KeyMoments)
	c.Images = slices.Clone(r.Images)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (s *Store) ClaimRun(_ context.Context, storyID int64, owner string, ttl time.Duration, force bool) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ClaimRun", storyID, owner, ttl, force); err != nil {
		return nil, err
	}
	if _, ok := s.stories[storyID]; !ok {
		return nil, store.ErrNotFound
	}
	now := s.Now()
	run, ok := s.runs[storyID]
	if !ok {
		run = &types.PipelineRun{StoryID: storyID, Status: types.RunPending, CreatedAt: now}
		s.runs[storyID] = run
	}
	switch {
	case run.Status == types.RunRunning && run.LeaseUntil.After(now) && run.LeaseOwner != owner:
		return nil, store.ErrLeaseHeld
	case run.Status == types.RunSucceeded && !force:
		return cloneRun(run), store.ErrRunSucceeded
	}
	if force {
		*run = types.PipelineRun{StoryID: storyID, CreatedAt: run.CreatedAt}
	}
	run.RunID = owner
	run.Status = types.RunRunning
	run.Attempts++
	run.LastError = ""
	run.LeaseOwner = owner
	run.LeaseUntil = now.Add(ttl)
	run.UpdatedAt = now
	run.FinishedAt = nil
	return cloneRun(run), nil
}

func (s *Store) held(storyID int64, owner string) (*types.PipelineRun, bool) {
	run, ok := s.runs[storyID]
	if !ok || run.LeaseOwner != owner || run.Status != types.RunRunning {
		return nil, false
	}
	return run, true
}

func (s *Store) Checkpoint(_ context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Checkpoint", run.StoryID, run.Stage, slices.Clone(run.Completed)); err != nil {
		return err
	}
	cur, ok := s.held(run.StoryID, run.LeaseOwner)
	if !ok {
		return store.ErrLeaseLost
	}
	next := cloneRun(run)
	next.Images = cur.Images
	next.Status = cur.Status
	next.Attempts = cur.Attempts
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.Now()
	s.runs[run.StoryID] = next
	return nil
}

func (s *Store) RecordImage(_ context.Context, storyID int64, owner string, img types.PipelineImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecordImage", storyID, owner, img); err != nil {
		return err
	}
	run, ok := s.held(storyID, owner)
	if !ok {
		return store.ErrLeaseLost
	}
	run.Images = slices.DeleteFunc(run.Images, func(i types.PipelineImage) bool { return i.Index == img.Index })
	run.Images = append(run.Images, img)
	slices.SortFunc(run.Images, func(a, b types.PipelineImage) int { return a.Index - b.Index })
	return nil
}

func (s *Store) FinishRun(_ context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("FinishRun", run.StoryID, run.Status, run.LastError); err != nil {
		return err
	}
	cur, ok := s.runs[run.StoryID]
	if !ok || cur.LeaseOwner != run.LeaseOwner {
		return store.ErrLeaseLost
	}
	now := s.Now()
	cur.Status = run.Status
	cur.Stage = run.Stage
	cur.LastError = run.LastError
	cur.LeaseOwner = ""
	cur.LeaseUntil = time.Time{}
	cur.UpdatedAt = now
	cur.FinishedAt = &now
	return nil
}

func (s *Store) GetRun(_ context.Context, storyID int64) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetRun", storyID); err != nil {
		return nil, err
	}
	run, ok := s.runs[storyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// ── Embeddings ──────────────────────────────────────────────────────────────

func (s *Store) UpsertStoryEmbedding(_ context.Context, storyID int64, model string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpsertStoryEmbedding", storyID, model, len(vec)); err != nil {
		return err
	}
	s.embeddings[storyID] = slices.Clone(vec)
	return nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func (s *Store) SimilarStories(_ context.Context, storyID int64, limit int) ([]types.SimilarStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SimilarStories", storyID, limit); err != nil {
		return nil, err
	}
	query, ok := s.embeddings[storyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := []types.SimilarStory{}
	for id, vec := range s.embeddings {
		r, ok := s.stories[id]
		if id == storyID || !ok || !r.Active {
			continue
		}
		out = append(out, types.SimilarStory{StorySummary: s.summary(r), Distance: cosineDistance(query, vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out[:min(limit, len(out))], nil
}
