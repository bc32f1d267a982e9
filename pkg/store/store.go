// Package store defines the repositories the Storyline service persists its
// data through.
//
// The relational layout mirrors the public API: users, categories, stories
// with their categories, likes, listens and timeline markers, plus the
// pipeline run state machine and story embeddings. Status columns use 1 for
// active rows and 0 for soft-deleted ones; every read filters on that flag.
//
// Implementations live in sub-packages ([postgres] for production, [mock] for
// tests). Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/storyline/pkg/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist or is
	// not active.
	ErrNotFound = errors.New("store: not found")

	// ErrInactive is returned when an operation targets a soft-deleted row
	// that must be active (for example deactivating an already inactive user).
	ErrInactive = errors.New("store: inactive")

	// ErrLeaseHeld is returned by [Pipeline.ClaimRun] while another worker
	// holds a live lease on the run.
	ErrLeaseHeld = errors.New("store: pipeline lease held by another worker")

	// ErrLeaseLost is returned when a worker writes to a run it no longer
	// holds the lease on.
	ErrLeaseLost = errors.New("store: pipeline lease lost")

	// ErrRunSucceeded is returned by [Pipeline.ClaimRun] for a run that
	// already completed and was not forced.
	ErrRunSucceeded = errors.New("store: pipeline run already succeeded")
)

// NewUser carries the fields of a user to create.
type NewUser struct {
	FirstName string
	LastName  *string
	Birthday  *types.Date
}

// Users manages user accounts.
type Users interface {
	// GetUser returns the user regardless of status, or [ErrNotFound].
	GetUser(ctx context.Context, id int64) (types.User, error)

	// CreateUser inserts an active user and returns it as stored.
	CreateUser(ctx context.Context, u NewUser) (types.User, error)

	// UpdateUser applies patch and returns the updated user, or [ErrNotFound].
	UpdateUser(ctx context.Context, id int64, patch types.UserPatch) (types.User, error)

	// DeactivateUser soft-deletes the user. Returns [ErrNotFound] or
	// [ErrInactive] when the user is already deactivated.
	DeactivateUser(ctx context.Context, id int64) error

	// UserActive reports whether an active user with id exists.
	UserActive(ctx context.Context, id int64) (bool, error)
}

// Categories manages story categories and user preferences.
type Categories interface {
	// ListCategories returns every active category ordered by name.
	ListCategories(ctx context.Context) ([]types.Category, error)

	// GetCategory returns an active category or [ErrNotFound].
	GetCategory(ctx context.Context, id int64) (types.Category, error)

	// ActiveCategoryIDs returns the subset of ids that are active categories.
	ActiveCategoryIDs(ctx context.Context, ids []int64) ([]int64, error)

	// PreferredCategories returns the user's active preferences, newest first.
	PreferredCategories(ctx context.Context, userID int64) ([]types.Category, error)

	// SetPreferredCategories replaces the user's preferences in one
	// transaction and returns the resulting categories in request order.
	SetPreferredCategories(ctx context.Context, userID int64, ids []int64) ([]types.Category, error)
}

// StoryFilter narrows [Stories.ListStories].
type StoryFilter struct {
	UserID     *int64
	CategoryID *int64
	Descending bool
}

// NewStory carries the fields of an uploaded story.
type NewStory struct {
	UserID     int64
	Title      string
	Categories []int64
	Created    time.Time
	Duration   types.Clock
}

// CreatedStory is the stored result of [Stories.CreateStory].
type CreatedStory struct {
	ID         int64
	Title      string
	UserID     int64
	StoryURL   string
	AudioBlob  string
	Created    time.Time
	Duration   types.Clock
	Categories []int64
}

// UploadFunc stores the audio of a freshly inserted story and returns the
// blob name and its URL. The story row is committed only if it succeeds.
type UploadFunc func(ctx context.Context, storyID int64) (blobName, url string, err error)

// LikeResult reports the outcome of [Stories.SetLike].
type LikeResult struct {
	// LikeID is the like row touched, zero when nothing was found to unlike.
	LikeID int64
	// Changed is false when the like was already in the requested state.
	Changed   bool
	LikeCount int64
}

// Stories manages stories and their engagement.
type Stories interface {
	ListStories(ctx context.Context, f StoryFilter) ([]types.StorySummary, error)

	// StoryDetail returns the full active story, or [ErrNotFound].
	StoryDetail(ctx context.Context, id int64) (types.StoryDetail, error)

	// StoriesByCategory lists active stories in a category. A limit of zero
	// means no limit. ThumbnailURL is left empty for the caller to fill.
	StoriesByCategory(ctx context.Context, categoryID int64, descending bool, limit int) ([]types.CategoryStory, error)

	// CreateStory inserts the story and its categories, calls upload with the
	// new id, and commits only when upload succeeds.
	CreateStory(ctx context.Context, s NewStory, upload UploadFunc) (CreatedStory, error)

	// StoryMedia returns the stored artifacts of a story regardless of
	// status, or [ErrNotFound].
	StoryMedia(ctx context.Context, id int64) (types.StoryMedia, error)

	SetGenAudioURL(ctx context.Context, storyID int64, url string) error

	// ReplaceTimeline swaps the story's timeline markers atomically.
	ReplaceTimeline(ctx context.Context, storyID int64, events []types.TimelineEvent) error

	// SetLike likes (like=true) or unlikes a story for a user.
	SetLike(ctx context.Context, storyID, userID int64, like bool) (LikeResult, error)

	// RecordListen stores a playback and increments the story listen count.
	// It returns the new listen row id.
	RecordListen(ctx context.Context, storyID, userID int64, end *types.Clock) (int64, error)
}

// Dashboard computes the dashboard lists. Image URLs are left empty for the
// caller to fill.
type Dashboard interface {
	// TrendingStories ranks stories by listens×2 + likes×4 since the cutoff
	// and drops stories scoring zero.
	TrendingStories(ctx context.Context, since time.Time, limit int) ([]types.DashboardStory, error)

	RecentStories(ctx context.Context, limit int) ([]types.DashboardStory, error)

	// RecentlyListened returns the user's stories, latest listen first.
	RecentlyListened(ctx context.Context, userID int64, limit int) ([]types.DashboardStory, error)

	// RecommendedStories returns unlistened stories from the user's preferred
	// categories, newest first, or the most listened unlistened stories when
	// the user has no preferences.
	RecommendedStories(ctx context.Context, userID int64, limit int) ([]types.DashboardStory, error)

	// TrendingCategories ranks categories like TrendingStories.
	TrendingCategories(ctx context.Context, since time.Time, limit int) ([]types.CategoryStat, error)

	// PopularCategories ranks categories by active story count, falling back
	// to all active categories by name.
	PopularCategories(ctx context.Context, limit int) ([]types.CategoryStat, error)
}

// Pipeline persists the story processing state machine.
type Pipeline interface {
	// ClaimRun takes the lease on the story's run for owner until
	// now+ttl, creating the run if needed. A forced claim discards every
	// checkpoint. Returns [ErrLeaseHeld] or [ErrRunSucceeded].
	ClaimRun(ctx context.Context, storyID int64, owner string, ttl time.Duration, force bool) (*types.PipelineRun, error)

	// Checkpoint persists the stage outputs, completed stages and lease
	// expiry of run. Returns [ErrLeaseLost] when run.LeaseOwner no longer
	// holds the lease.
	Checkpoint(ctx context.Context, run *types.PipelineRun) error

	// RecordImage checkpoints one generated illustration.
	RecordImage(ctx context.Context, storyID int64, owner string, img types.PipelineImage) error

	// FinishRun stores the terminal status and releases the lease.
	FinishRun(ctx context.Context, run *types.PipelineRun) error

	// GetRun returns the run with its images, or [ErrNotFound].
	GetRun(ctx context.Context, storyID int64) (*types.PipelineRun, error)
}

// Embeddings stores story vectors for similarity search.
type Embeddings interface {
	UpsertStoryEmbedding(ctx context.Context, storyID int64, model string, vec []float32) error

	// SimilarStories returns active stories nearest to storyID by cosine
	// distance. Returns [ErrNotFound] when storyID has no embedding.
	SimilarStories(ctx context.Context, storyID int64, limit int) ([]types.SimilarStory, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	Users
	Categories
	Stories
	Dashboard
	Pipeline
	Embeddings

	Ping(ctx context.Context) error
}
