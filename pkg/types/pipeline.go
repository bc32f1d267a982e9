package types

import (
	"slices"
	"time"
)

// Stage names one step of the story pipeline. Stages run in the order of
// [Stages]; a run records which of them have completed.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageSentiment  Stage = "sentiment"
	StageRewrite    Stage = "rewrite"
	StageSynthesize Stage = "synthesize"
	StageKeyMoments Stage = "key_moments"
	StageIllustrate Stage = "illustrate"
	StageTimeline   Stage = "timeline"
	StageIndex      Stage = "index"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageTranscribe,
	StageSentiment,
	StageRewrite,
	StageSynthesize,
	StageKeyMoments,
	StageIllustrate,
	StageTimeline,
	StageIndex,
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool { return slices.Contains(Stages, s) }

// RunStatus is the lifecycle state of a [PipelineRun].
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no worker is expected to pick the run up again
// without an explicit request.
func (s RunStatus) Terminal() bool { return s == RunSucceeded || s == RunFailed }

// PipelineImage is one generated illustration, checkpointed individually.
type PipelineImage struct {
	Index    int    `json:"index"`
	Moment   string `json:"moment"`
	BlobName string `json:"blobName"`
	URL      string `json:"url"`
}

// PipelineRun is the persisted state machine of one story's processing.
// Stage outputs are checkpointed on the run so a redelivered task resumes
// where the previous attempt stopped.
type PipelineRun struct {
	StoryID   int64     `json:"storyId"`
	RunID     string    `json:"runId"`
	Status    RunStatus `json:"status"`
	Stage     Stage     `json:"stage,omitempty"`
	Completed []Stage   `json:"completedStages"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`

	Transcript    string          `json:"-"`
	Sentiment     string          `json:"sentiment,omitempty"`
	Script        string          `json:"-"`
	NarrationBlob string          `json:"narrationBlob,omitempty"`
	NarrationURL  string          `json:"narrationUrl,omitempty"`
	KeyMoments    []string        `json:"keyMoments,omitempty"`
	Images        []PipelineImage `json:"images,omitempty"`

	LeaseOwner string    `json:"-"`
	LeaseUntil time.Time `json:"-"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Done reports whether stage s has completed on this run.
func (r *PipelineRun) Done(s Stage) bool { return slices.Contains(r.Completed, s) }

// MarkDone records s as completed, keeping Completed in stage order.
func (r *PipelineRun) MarkDone(s Stage) {
	if r.Done(s) {
		return
	}
	r.Completed = append(r.Completed, s)
	slices.SortFunc(r.Completed, func(a, b Stage) int {
		return slices.Index(Stages, a) - slices.Index(Stages, b)
	})
}

// Image returns the checkpointed image at idx, if any.
func (r *PipelineRun) Image(idx int) (PipelineImage, bool) {
	for _, img := range r.Images {
		if img.Index == idx {
			return img, true
		}
	}
	return PipelineImage{}, false
}

// AudioClip is an encoded audio payload (upload, narration).
type AudioClip struct {
	Data        []byte
	ContentType string
	// Filename hints the container format to transcription APIs.
	Filename string
}

// Image is an encoded image payload returned by an image generator.
type Image struct {
	Data          []byte
	ContentType   string
	RevisedPrompt string
}
