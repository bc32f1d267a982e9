package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/store/postgres"
	"github.com/MrWong99/storyline/pkg/types"
)

const testEmbeddingDim = 4

// testDSN skips the test unless STORYLINE_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STORYLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STORYLINE_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops every table and returns a freshly migrated store.
func newTestStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, table := range []string{
		"story_embeddings", "story_pipeline_images", "story_pipeline", "timeline_color",
		"user_preferred_categories", "user_has_listen_stories", "story_has_likes",
		"story_has_categories", "story", "category", "users",
	} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	st, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st, pool
}

func mustCategory(t *testing.T, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO category (name, description, icon) VALUES ($1, $2, $3) RETURNING id`,
		name, name+" stories", "icon-"+name).Scan(&id)
	if err != nil {
		t.Fatalf("insert category: %v", err)
	}
	return id
}

func mustUser(t *testing.T, st *postgres.Store, name string) types.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), store.NewUser{FirstName: name})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func mustStory(t *testing.T, st *postgres.Store, userID int64, title string, cats ...int64) int64 {
	t.Helper()
	created, err := st.CreateStory(context.Background(), store.NewStory{
		UserID:     userID,
		Title:      title,
		Categories: cats,
		Created:    time.Now(),
		Duration:   600,
	}, func(_ context.Context, id int64) (string, string, error) {
		return "blob-" + title, "https://blob/" + title, nil
	})
	if err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	return created.ID
}

func TestUsers(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	bday, _ := types.ParseDate("1990-04-12")
	last := "Lovelace"
	u, err := st.CreateUser(ctx, store.NewUser{FirstName: "Ada", LastName: &last, Birthday: &bday})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !u.Active || u.Birthday.String() != "1990-04-12" {
		t.Errorf("created user = %+v", u)
	}

	first := "Augusta"
	u, err = st.UpdateUser(ctx, u.ID, types.UserPatch{FirstName: &first, SetLastName: true})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if u.FirstName != "Augusta" || u.LastName != nil || u.Birthday.String() != "1990-04-12" {
		t.Errorf("updated user = %+v", u)
	}

	if err := st.DeactivateUser(ctx, u.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	if err := st.DeactivateUser(ctx, u.ID); !errors.Is(err, store.ErrInactive) {
		t.Errorf("second DeactivateUser = %v, want ErrInactive", err)
	}
	if ok, _ := st.UserActive(ctx, u.ID); ok {
		t.Error("user still active")
	}
	if _, err := st.GetUser(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUser(missing) = %v", err)
	}
}

func TestPreferredCategories(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "Bo")
	a, b, c := mustCategory(t, pool, "Adventure"), mustCategory(t, pool, "Bedtime"), mustCategory(t, pool, "Comedy")

	if _, err := st.SetPreferredCategories(ctx, u.ID, []int64{a, b}); err != nil {
		t.Fatalf("SetPreferredCategories: %v", err)
	}
	got, err := st.SetPreferredCategories(ctx, u.ID, []int64{b, c})
	if err != nil {
		t.Fatalf("SetPreferredCategories: %v", err)
	}
	if len(got) != 2 || got[0].ID != b || got[1].ID != c {
		t.Errorf("returned categories = %+v", got)
	}

	prefs, err := st.PreferredCategories(ctx, u.ID)
	if err != nil {
		t.Fatalf("PreferredCategories: %v", err)
	}
	var ids []int64
	for _, p := range prefs {
		ids = append(ids, p.ID)
	}
	if len(ids) != 2 || ids[0] == a || ids[1] == a {
		t.Errorf("preferences = %v, want only %d and %d", ids, b, c)
	}

	active, err := st.ActiveCategoryIDs(ctx, []int64{a, 404})
	if err != nil {
		t.Fatalf("ActiveCategoryIDs: %v", err)
	}
	if diff := cmp.Diff([]int64{a}, active); diff != "" {
		t.Errorf("ActiveCategoryIDs (-want +got):\n%s", diff)
	}
}

func TestCreateStory_RollsBackOnUploadFailure(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "Cy")

	uploadErr := errors.New("container missing")
	_, err := st.CreateStory(ctx, store.NewStory{UserID: u.ID, Title: "lost", Created: time.Now()},
		func(context.Context, int64) (string, string, error) { return "", "", uploadErr })
	if !errors.Is(err, uploadErr) {
		t.Fatalf("CreateStory = %v, want upload error", err)
	}
	stories, err := st.ListStories(ctx, store.StoryFilter{})
	if err != nil {
		t.Fatalf("ListStories: %v", err)
	}
	if len(stories) != 0 {
		t.Errorf("story persisted despite failed upload: %+v", stories)
	}
}

func TestStoryDetailAndEngagement(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	author := mustUser(t, st, "Dee")
	listener := mustUser(t, st, "Eve")
	cat := mustCategory(t, pool, "Fables")
	id := mustStory(t, st, author.ID, "fox", cat)

	res, err := st.SetLike(ctx, id, listener.ID, true)
	if err != nil || !res.Changed || res.LikeCount != 1 {
		t.Fatalf("SetLike = %+v, %v", res, err)
	}
	res, _ = st.SetLike(ctx, id, listener.ID, true)
	if res.Changed {
		t.Error("second like should not change anything")
	}
	end := types.Clock(42)
	if _, err := st.RecordListen(ctx, id, listener.ID, &end); err != nil {
		t.Fatalf("RecordListen: %v", err)
	}
	if err := st.ReplaceTimeline(ctx, id, []types.TimelineEvent{
		{Time: 10, Color: "#FFFFFF", Image: "b.png"},
		{Time: 0, Color: "#FFFFFF", Image: "a.png"},
	}); err != nil {
		t.Fatalf("ReplaceTimeline: %v", err)
	}

	d, err := st.StoryDetail(ctx, id)
	if err != nil {
		t.Fatalf("StoryDetail: %v", err)
	}
	if d.LikeCount != 1 || d.ListenCount != 1 || len(d.Likes) != 1 || len(d.RecentListeners) != 1 {
		t.Errorf("engagement = likes %d listens %d", d.LikeCount, d.ListenCount)
	}
	if len(d.TimelineColors) != 2 || d.TimelineColors[0].Image != "a.png" {
		t.Errorf("timeline = %+v", d.TimelineColors)
	}
	if len(d.Categories) != 1 || d.Categories[0].Icon == nil {
		t.Errorf("categories = %+v", d.Categories)
	}

	res, _ = st.SetLike(ctx, id, listener.ID, false)
	if !res.Changed || res.LikeCount != 0 {
		t.Errorf("unlike = %+v", res)
	}
	res, _ = st.SetLike(ctx, id, listener.ID, false)
	if res.Changed || res.LikeID != 0 {
		t.Errorf("unlike without like = %+v", res)
	}
}

func TestDashboardQueries(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	author := mustUser(t, st, "Fay")
	reader := mustUser(t, st, "Gus")
	cat := mustCategory(t, pool, "Mystery")
	quiet := mustStory(t, st, author.ID, "quiet", cat)
	loud := mustStory(t, st, author.ID, "loud", cat)

	if _, err := st.SetLike(ctx, loud, reader.ID, true); err != nil {
		t.Fatal(err)
	}
	trending, err := st.TrendingStories(ctx, time.Now().Add(-14*24*time.Hour), 5)
	if err != nil {
		t.Fatalf("TrendingStories: %v", err)
	}
	if len(trending) != 1 || trending[0].ID != loud {
		t.Errorf("trending = %+v, want only %d", trending, loud)
	}

	recs, err := st.RecommendedStories(ctx, reader.ID, 2)
	if err != nil {
		t.Fatalf("RecommendedStories: %v", err)
	}
	if len(recs) != 2 || !recs[0].IsRecommended {
		t.Errorf("recommended = %+v", recs)
	}

	if _, err := st.RecordListen(ctx, quiet, reader.ID, nil); err != nil {
		t.Fatal(err)
	}
	recent, err := st.RecentlyListened(ctx, reader.ID, 2)
	if err != nil {
		t.Fatalf("RecentlyListened: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != quiet {
		t.Errorf("recently listened = %+v", recent)
	}

	cats, err := st.TrendingCategories(ctx, time.Now().Add(-21*24*time.Hour), 4)
	if err != nil {
		t.Fatalf("TrendingCategories: %v", err)
	}
	if len(cats) != 1 || cats[0].StoryCount != 2 {
		t.Errorf("trending categories = %+v", cats)
	}
}

func TestPipelineLease(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "Hal")
	id := mustStory(t, st, u.ID, "lease")

	run, err := st.ClaimRun(ctx, id, "worker-a", time.Minute, false)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if run.Status != types.RunRunning || run.Attempts != 1 {
		t.Errorf("claimed run = %+v", run)
	}
	if _, err := st.ClaimRun(ctx, id, "worker-b", time.Minute, false); !errors.Is(err, store.ErrLeaseHeld) {
		t.Errorf("concurrent claim = %v, want ErrLeaseHeld", err)
	}

	run.Transcript = "once upon a time"
	run.MarkDone(types.StageTranscribe)
	run.LeaseUntil = time.Now().Add(time.Minute)
	if err := st.Checkpoint(ctx, run); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := st.RecordImage(ctx, id, "worker-a", types.PipelineImage{Index: 1, Moment: "fox", BlobName: "b", URL: "u"}); err != nil {
		t.Fatalf("RecordImage: %v", err)
	}
	if err := st.RecordImage(ctx, id, "worker-b", types.PipelineImage{Index: 2}); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("RecordImage by non-owner = %v, want ErrLeaseLost", err)
	}

	run.Status = types.RunSucceeded
	if err := st.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if _, err := st.ClaimRun(ctx, id, "worker-b", time.Minute, false); !errors.Is(err, store.ErrRunSucceeded) {
		t.Errorf("claim of succeeded run = %v", err)
	}

	forced, err := st.ClaimRun(ctx, id, "worker-b", time.Minute, true)
	if err != nil {
		t.Fatalf("forced ClaimRun: %v", err)
	}
	if len(forced.Completed) != 0 || forced.Transcript != "" || len(forced.Images) != 0 {
		t.Errorf("forced claim kept checkpoints: %+v", forced)
	}
}

func TestSimilarStories(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "Ivy")
	a := mustStory(t, st, u.ID, "a")
	b := mustStory(t, st, u.ID, "b")
	c := mustStory(t, st, u.ID, "c")

	for id, vec := range map[int64][]float32{
		a: {1, 0, 0, 0},
		b: {0.9, 0.1, 0, 0},
		c: {0, 0, 1, 0},
	} {
		if err := st.UpsertStoryEmbedding(ctx, id, "test", vec); err != nil {
			t.Fatalf("UpsertStoryEmbedding: %v", err)
		}
	}
	got, err := st.SimilarStories(ctx, a, 5)
	if err != nil {
		t.Fatalf("SimilarStories: %v", err)
	}
	if len(got) != 2 || got[0].ID != b || got[1].ID != c {
		t.Errorf("similar = %+v", got)
	}
	if _, err := st.SimilarStories(ctx, 9999, 5); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SimilarStories(missing) = %v", err)
	}
}
