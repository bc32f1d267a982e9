package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/storyline/internal/events"
	"github.com/MrWong99/storyline/pkg/blob"
	"github.com/MrWong99/storyline/pkg/provider/llm"
	"github.com/MrWong99/storyline/pkg/types"
)

// Timeline layout of generated illustrations.
const (
	timelineStepSeconds = 10
	timelineColor       = "#FFFFFF"
)

// NarrationBlobName is where the synthesized narration of a story is stored.
func NarrationBlobName(storyID int64) string {
	return fmt.Sprintf("generated/%d_narration.mp3", storyID)
}

// ImageBlobName is where the illustration of moment n (1-based) is stored.
func ImageBlobName(storyID int64, n int) string {
	return fmt.Sprintf("storyimages/%d_%d.png", storyID, n)
}

type stageFunc func(ctx context.Context, rn *run) error

type stageStep struct {
	stage types.Stage
	fn    stageFunc
}

func (r *Runner) stages() []stageStep {
	return []stageStep{
		{types.StageTranscribe, r.transcribe},
		{types.StageSentiment, r.sentiment},
		{types.StageRewrite, r.rewrite},
		{types.StageSynthesize, r.synthesize},
		{types.StageKeyMoments, r.keyMoments},
		{types.StageIllustrate, r.illustrate},
		{types.StageTimeline, r.timeline},
		{types.StageIndex, r.index},
	}
}

// audioContentType guesses the MIME type of an uploaded recording.
func audioContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	default:
		return "audio/aac"
	}
}

func (r *Runner) transcribe(ctx context.Context, rn *run) error {
	name := rn.media.AudioBlob
	if name == "" {
		return permanent(errors.New("story has no audio"))
	}
	data, err := r.blobs.Download(ctx, rn.cfg.AudioContainer, name)
	if errors.Is(err, blob.ErrNotFound) {
		return permanent(fmt.Errorf("audio %s: %w", name, err))
	}
	if err != nil {
		return err
	}
	text, err := r.providers.STT.Transcribe(ctx, types.AudioClip{
		Data:        data,
		ContentType: audioContentType(name),
		Filename:    path.Base(name),
	})
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return permanent(errors.New("empty transcript"))
	}
	rn.Transcript = text
	return nil
}

func (r *Runner) complete(ctx context.Context, system, user, model string, maxTokens int) (string, error) {
	req := llm.UserPrompt(system, user, maxTokens)
	req.Model = model
	resp, err := r.providers.LLM.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (r *Runner) sentiment(ctx context.Context, rn *run) error {
	answer, err := r.complete(ctx, rn.cfg.Prompts.Sentiment, rn.Transcript, rn.cfg.Models.Sentiment, sentimentMaxTokens)
	if err != nil {
		return err
	}
	rn.Sentiment = NormalizeSentiment(answer)
	return nil
}

func (r *Runner) rewrite(ctx context.Context, rn *run) error {
	script, err := r.complete(ctx, rn.cfg.Prompts.rewrite(rn.Sentiment), rn.Transcript, rn.cfg.Models.Rewrite, rewriteMaxTokens)
	if err != nil {
		return err
	}
	if script == "" {
		return permanent(errors.New("empty rewritten script"))
	}
	rn.Script = script
	return nil
}

func (r *Runner) synthesize(ctx context.Context, rn *run) error {
	clip, err := r.providers.TTS.Synthesize(ctx, rn.Script, rn.cfg.Voice)
	if err != nil {
		return err
	}
	if len(clip.Data) == 0 {
		return errors.New("empty narration audio")
	}
	ct := clip.ContentType
	if ct == "" {
		ct = "audio/mpeg"
	}
	name := NarrationBlobName(rn.StoryID)
	url, err := r.blobs.Upload(ctx, rn.cfg.AudioContainer, name, clip.Data, ct)
	if err != nil {
		return err
	}
	if err := r.store.SetGenAudioURL(ctx, rn.StoryID, url); err != nil {
		return err
	}
	rn.NarrationBlob, rn.NarrationURL = name, url
	return nil
}

func (r *Runner) keyMoments(ctx context.Context, rn *run) error {
	answer, err := r.complete(ctx, rn.cfg.Prompts.KeyMoments, rn.Script, rn.cfg.Models.KeyMoments, keyMomentsMaxTokens)
	if err != nil {
		return err
	}
	moments := ParseKeyMoments(answer, rn.cfg.MaxKeyMoments)
	if len(moments) == 0 {
		return permanent(fmt.Errorf("no key moments in answer %q", answer))
	}
	rn.KeyMoments = moments
	return nil
}

// illustrate generates one image per key moment, skipping images that were
// checkpointed by an earlier attempt. At most ImageConcurrency generations
// run at once.
func (r *Runner) illustrate(ctx context.Context, rn *run) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rn.cfg.ImageConcurrency)

	for i, moment := range rn.KeyMoments {
		n := i + 1
		mu.Lock()
		_, done := rn.Image(n)
		mu.Unlock()
		if done {
			continue
		}
		g.Go(func() error {
			img, err := r.providers.Images.Generate(gctx, rn.cfg.Prompts.image(moment))
			if err != nil {
				return fmt.Errorf("image %d: %w", n, err)
			}
			ct := img.ContentType
			if ct == "" {
				ct = "image/png"
			}
			name := ImageBlobName(rn.StoryID, n)
			url, err := r.blobs.Upload(gctx, rn.cfg.ImagesContainer, name, img.Data, ct)
			if err != nil {
				return fmt.Errorf("image %d: %w", n, err)
			}
			pimg := types.PipelineImage{Index: n, Moment: moment, BlobName: name, URL: url}
			if err := r.store.RecordImage(gctx, rn.StoryID, rn.LeaseOwner, pimg); err != nil {
				return fmt.Errorf("image %d: %w", n, err)
			}
			mu.Lock()
			rn.Images = append(rn.Images, pimg)
			mu.Unlock()
			r.publish(gctx, rn, events.Event{Kind: events.ImageCompleted, Stage: types.StageIllustrate, Image: n})
			return nil
		})
	}
	err := g.Wait()
	slices.SortFunc(rn.Images, func(a, b types.PipelineImage) int { return a.Index - b.Index })
	return err
}

func (r *Runner) timeline(ctx context.Context, rn *run) error {
	evs := make([]types.TimelineEvent, 0, len(rn.Images))
	for _, img := range rn.Images {
		evs = append(evs, types.TimelineEvent{
			Time:  (img.Index - 1) * timelineStepSeconds,
			Color: timelineColor,
			Image: img.BlobName,
		})
	}
	return r.store.ReplaceTimeline(ctx, rn.StoryID, evs)
}

func (r *Runner) index(ctx context.Context, rn *run) error {
	p := r.providers.Embeddings
	if p == nil {
		return nil
	}
	vec, err := p.Embed(ctx, rn.Script)
	if err != nil {
		return err
	}
	return r.store.UpsertStoryEmbedding(ctx, rn.StoryID, p.ModelID(), vec)
}
