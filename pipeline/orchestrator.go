// Package pipeline sequences the generation phases: segmentation, identity
// extraction, annotation, approval, and scene synthesis. It owns all run
// state (phase, prompts, pause/cancel) and exposes the external control
// surface: approve, pause, resume, cancel, regenerate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hermesdev0131/scene-weaver/annotate"
	"github.com/hermesdev0131/scene-weaver/config"
	"github.com/hermesdev0131/scene-weaver/identity"
	"github.com/hermesdev0131/scene-weaver/keys"
	"github.com/hermesdev0131/scene-weaver/remote"
	"github.com/hermesdev0131/scene-weaver/segment"
	"github.com/hermesdev0131/scene-weaver/synth"
	"github.com/hermesdev0131/scene-weaver/types"
)

// ErrCancelled terminates a run with a distinct status when the user cancels.
// Cancellation is cooperative: it takes effect at the next checkpoint, never
// by aborting an in-flight remote call.
var ErrCancelled = errors.New("run cancelled")

// SnapshotStore persists progress after every completed scene or batch.
type SnapshotStore interface {
	SaveSnapshot(*types.ProjectSnapshot) error
}

// Approval is the external collaborator's answer to the approval gate.
// Characters, when non-nil, overwrite the locked identity map before it is
// frozen.
type Approval struct {
	Approved   bool
	Characters map[string]types.CharacterIdentity
}

// ProgressFunc receives the full, current, ordered prompt list after every
// completed scene or batch.
type ProgressFunc func(prompts []types.FullScenePrompt)

// ApprovalFunc receives the finished analysis when the orchestrator reaches
// the approval gate. The collaborator must eventually call Approve or Cancel.
type ApprovalFunc func(analysis *types.StoryAnalysis)

// Orchestrator is the run-scoped controller. One orchestrator serves one run.
type Orchestrator struct {
	cfg       *config.Config
	rotator   *keys.Rotator
	store     SnapshotStore
	logger    *zap.Logger
	projectID string

	segmenter   *segment.Segmenter
	extractor   *identity.Extractor
	annotator   *annotate.Annotator
	synthesizer *synth.Synthesizer

	onApproval ApprovalFunc
	onProgress ProgressFunc

	mu         sync.Mutex
	state      types.GenerationState
	prompts    []types.FullScenePrompt
	analysis   *types.StoryAnalysis
	script     string
	sceneDur   float64
	pauseCh    chan struct{}
	persisted  int

	approvalCh chan Approval
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// New creates an Orchestrator. store, onApproval, and onProgress may be nil.
func New(cfg *config.Config, svc remote.Service, rotator *keys.Rotator, store SnapshotStore, projectID string, onApproval ApprovalFunc, onProgress ProgressFunc, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	detector := synth.NewKeywordDetector(cfg.Detector.SevereWords, cfg.Detector.MundaneWords)
	return &Orchestrator{
		cfg:       cfg,
		rotator:   rotator,
		store:     store,
		logger:    logger,
		projectID: projectID,
		segmenter: segment.New(cfg.Segmenter.NarrationRate, cfg.Segmenter.TargetSceneSec, cfg.Segmenter.MinFragmentSec),
		extractor: identity.New(svc, cfg.Remote.IdentityMaxTokens, logger),
		annotator: annotate.New(svc, cfg.Annotate.BatchSize, cfg.Remote.AnnotateMaxTokens, logger),
		synthesizer: synth.New(svc, detector, cfg.Synth.MaxRetries,
			time.Duration(cfg.Synth.BackoffBaseMs)*time.Millisecond,
			cfg.Remote.SceneMaxTokens, cfg.Synth.ShotTypes, logger),
		onApproval: onApproval,
		onProgress: onProgress,
		state:      types.GenerationState{Phase: types.PhaseIdle},
		approvalCh: make(chan Approval, 1),
		cancelCh:   make(chan struct{}),
	}
}

// State returns a copy of the current run state.
func (o *Orchestrator) State() types.GenerationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Approve delivers the collaborator's decision to a run blocked at the
// approval gate.
func (o *Orchestrator) Approve(a Approval) {
	select {
	case o.approvalCh <- a:
	default:
	}
}

// Cancel requests cooperative cancellation. It unblocks any pending pause or
// approval wait immediately; the run terminates at its next checkpoint.
func (o *Orchestrator) Cancel() {
	o.cancelOnce.Do(func() { close(o.cancelCh) })
}

// Pause suspends the synthesis loop before the next scene or batch. An
// in-flight remote call is never aborted.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pauseCh == nil && o.state.Phase == types.PhaseGenerating {
		o.pauseCh = make(chan struct{})
		o.state.Phase = types.PhasePaused
	}
}

// Resume releases a paused run.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pauseCh != nil {
		close(o.pauseCh)
		o.pauseCh = nil
		o.state.Phase = types.PhaseGenerating
	}
}

// Run executes a full generation: analyze, wait for approval, generate.
// Returns the frozen analysis and the ordered prompts. A cancelled run returns
// ErrCancelled along with whatever was completed.
func (o *Orchestrator) Run(ctx context.Context, script, style string, sceneDurSec float64) (*types.StoryAnalysis, []types.FullScenePrompt, error) {
	if o.rotator.KeyCount() == 0 && !o.rotator.HasPaid() {
		return nil, nil, keys.ErrNoCredentials
	}

	o.mu.Lock()
	o.script = script
	o.sceneDur = sceneDurSec
	o.mu.Unlock()

	analysis, err := o.analyze(ctx, script, style, sceneDurSec)
	if err != nil {
		return nil, nil, o.fail(err)
	}

	if err := o.awaitApproval(ctx, analysis); err != nil {
		return nil, nil, o.fail(err)
	}

	o.mu.Lock()
	o.analysis = analysis
	o.state.Phase = types.PhaseGenerating
	o.state.TotalScenes = len(analysis.Scenes)
	o.mu.Unlock()

	if err := o.generate(ctx, 0); err != nil {
		return o.analysis, o.promptsCopy(), o.fail(err)
	}

	o.finish()
	return analysis, o.promptsCopy(), nil
}

// analyze runs segmentation, identity extraction, and annotation.
func (o *Orchestrator) analyze(ctx context.Context, script, style string, sceneDurSec float64) (*types.StoryAnalysis, error) {
	o.mu.Lock()
	o.state.Phase = types.PhaseAnalyzing
	o.mu.Unlock()

	if sceneDurSec > 0 {
		o.segmenter = segment.New(o.cfg.Segmenter.NarrationRate, sceneDurSec, o.cfg.Segmenter.MinFragmentSec)
	}

	fragments := o.segmenter.Run(script)
	if len(fragments) == 0 {
		return nil, errors.New("script contains no sentences")
	}
	o.logger.Info("script segmented", zap.Int("fragments", len(fragments)))

	characters, order, era, err := o.extractor.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("identity extraction: %w", err)
	}

	analysis := &types.StoryAnalysis{
		Characters:     characters,
		CharacterOrder: order,
		Era:            era,
		Style:          style,
	}
	analysis.InitStates()

	scenes, err := o.annotator.Run(ctx, fragments, analysis)
	if err != nil {
		return nil, fmt.Errorf("annotation: %w", err)
	}
	analysis.Scenes = scenes

	return analysis, nil
}

// awaitApproval blocks, without polling, until the collaborator approves or
// the run is cancelled. An approval carrying edited characters overwrites the
// identity map; this is the single permitted rewrite before the map freezes.
func (o *Orchestrator) awaitApproval(ctx context.Context, analysis *types.StoryAnalysis) error {
	o.mu.Lock()
	o.state.Phase = types.PhaseAwaitingApproval
	o.mu.Unlock()

	if o.onApproval != nil {
		o.onApproval(analysis)
	}

	select {
	case a := <-o.approvalCh:
		if !a.Approved {
			return ErrCancelled
		}
		if a.Characters != nil {
			applyIdentityEdits(analysis, a.Characters)
		}
		return nil
	case <-o.cancelCh:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyIdentityEdits replaces the identity map with the edited one and
// realigns everything keyed by character id: the importance order keeps its
// ranking for surviving ids and appends introduced ones, scene casts drop ids
// that no longer exist (falling back to the lead character so no scene is left
// empty), and state entries are seeded for new ids.
func applyIdentityEdits(analysis *types.StoryAnalysis, edited map[string]types.CharacterIdentity) {
	analysis.Characters = edited

	order := make([]string, 0, len(edited))
	seen := make(map[string]bool, len(edited))
	for _, id := range analysis.CharacterOrder {
		if _, ok := edited[id]; ok {
			order = append(order, id)
			seen[id] = true
		}
	}
	introduced := make([]string, 0, len(edited))
	for id := range edited {
		if !seen[id] {
			introduced = append(introduced, id)
		}
	}
	sort.Strings(introduced)
	analysis.CharacterOrder = append(order, introduced...)

	for i := range analysis.Scenes {
		seg := &analysis.Scenes[i]
		kept := make([]string, 0, len(seg.CharactersPresent))
		for _, id := range seg.CharactersPresent {
			if _, ok := edited[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 && len(analysis.CharacterOrder) > 0 {
			kept = append(kept, analysis.CharacterOrder[0])
		}
		seg.CharactersPresent = kept
	}

	for id := range edited {
		if _, ok := analysis.CharacterStates[id]; !ok {
			analysis.CharacterStates[id] = &types.CharacterStateEntry{Status: types.StatusAlive}
		}
	}
}

// generate iterates scenes from the given index using the strategy selected by
// the credential tier: sequential with pacing on free keys, parallel batches
// on a paid key.
func (o *Orchestrator) generate(ctx context.Context, from int) error {
	if o.rotator.HasPaid() {
		return o.generateParallel(ctx, from)
	}
	return o.generateSequential(ctx, from)
}

func (o *Orchestrator) generateSequential(ctx context.Context, from int) error {
	analysis := o.analysis
	total := len(analysis.Scenes)

	for i := from; i < total; i++ {
		if err := o.checkpoint(ctx); err != nil {
			return err
		}
		o.setCurrent(i)

		prompt, err := o.synthesizer.Scene(ctx, analysis.Scenes[i], analysis, o.lastPrompt())
		if err != nil {
			return err
		}
		o.append(prompt)
		o.persist(false)
		o.notify()

		if i == total-1 {
			break
		}
		if delay := o.rotator.PacingDelay(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-o.cancelCh:
				return ErrCancelled
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// generateParallel synthesizes fixed-size batches concurrently, then
// reassembles each batch in original index order before exposing it. Framing
// variety is not enforced inside a batch: every member shares the last scene
// accepted before the batch as continuity context.
func (o *Orchestrator) generateParallel(ctx context.Context, from int) error {
	analysis := o.analysis
	total := len(analysis.Scenes)
	batchSize := o.cfg.Synth.ParallelBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	for start := from; start < total; start += batchSize {
		if err := o.checkpoint(ctx); err != nil {
			return err
		}
		end := start + batchSize
		if end > total {
			end = total
		}
		o.setCurrent(start)

		var prev *types.FullScenePrompt
		if last := o.lastPrompt(); last != nil {
			prevCopy := *last
			prev = &prevCopy
		}

		results := make([]types.FullScenePrompt, end-start)
		errs := make([]error, end-start)
		var wg sync.WaitGroup
		for j := start; j < end; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				results[j-start], errs[j-start] = o.synthesizer.Scene(ctx, analysis.Scenes[j], analysis, prev)
			}(j)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		for _, p := range results {
			o.append(p)
		}
		o.persist(false)
		o.notify()
	}
	return nil
}

// ContinueFromProgress resumes a persisted snapshot from its recorded
// NextIndex, re-using the frozen analysis without re-running analysis or the
// approval gate.
func (o *Orchestrator) ContinueFromProgress(ctx context.Context, snap *types.ProjectSnapshot) (*types.StoryAnalysis, []types.FullScenePrompt, error) {
	if snap == nil || snap.Analysis == nil {
		return nil, nil, errors.New("snapshot has no analysis")
	}
	if o.rotator.KeyCount() == 0 && !o.rotator.HasPaid() {
		return nil, nil, keys.ErrNoCredentials
	}

	o.mu.Lock()
	o.analysis = snap.Analysis
	o.script = snap.Script
	o.sceneDur = snap.SceneDurationSec
	o.prompts = append([]types.FullScenePrompt(nil), snap.Prompts...)
	o.persisted = snap.NextIndex
	o.state.Phase = types.PhaseGenerating
	o.state.TotalScenes = len(snap.Analysis.Scenes)
	o.mu.Unlock()

	o.logger.Info("resuming from snapshot",
		zap.String("project", snap.ProjectID),
		zap.Int("next_index", snap.NextIndex),
	)

	if err := o.generate(ctx, snap.NextIndex); err != nil {
		return o.analysis, o.promptsCopy(), o.fail(err)
	}
	o.finish()
	return o.analysis, o.promptsCopy(), nil
}

// RegenerateScene re-synthesizes a single scene of a completed or partial
// snapshot, using the frozen analysis and the currently-accepted previous
// scene for continuity. No other scene is touched.
func (o *Orchestrator) RegenerateScene(ctx context.Context, snap *types.ProjectSnapshot, index int) (types.FullScenePrompt, error) {
	if snap == nil || snap.Analysis == nil {
		return types.FullScenePrompt{}, errors.New("snapshot has no analysis")
	}
	if index < 0 || index >= len(snap.Prompts) || index >= len(snap.Analysis.Scenes) {
		return types.FullScenePrompt{}, fmt.Errorf("scene index %d out of range", index)
	}

	var prev *types.FullScenePrompt
	if index > 0 {
		prev = &snap.Prompts[index-1]
	}

	prompt, err := o.synthesizer.Scene(ctx, snap.Analysis.Scenes[index], snap.Analysis, prev)
	if err != nil {
		return types.FullScenePrompt{}, err
	}
	snap.Prompts[index] = prompt

	if o.store != nil {
		if err := o.store.SaveSnapshot(snap); err != nil {
			o.logger.Warn("could not persist regenerated scene", zap.Error(err))
		}
	}
	return prompt, nil
}

// checkpoint is the cooperative suspension point observed before every scene
// or batch: it honors cancellation and blocks while paused.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	for {
		select {
		case <-o.cancelCh:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		o.mu.Lock()
		ch := o.pauseCh
		o.mu.Unlock()
		if ch == nil {
			return nil
		}

		select {
		case <-ch:
		case <-o.cancelCh:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) setCurrent(i int) {
	o.mu.Lock()
	o.state.CurrentScene = i
	o.mu.Unlock()
}

func (o *Orchestrator) lastPrompt() *types.FullScenePrompt {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.prompts) == 0 {
		return nil
	}
	return &o.prompts[len(o.prompts)-1]
}

func (o *Orchestrator) append(p types.FullScenePrompt) {
	o.mu.Lock()
	o.prompts = append(o.prompts, p)
	o.mu.Unlock()
}

func (o *Orchestrator) promptsCopy() []types.FullScenePrompt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.FullScenePrompt(nil), o.prompts...)
}

// persist writes a snapshot. Local monotonicity mirrors the store's guard: a
// snapshot never records fewer completed scenes than a previous one in the
// same run.
func (o *Orchestrator) persist(complete bool) {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	done := len(o.prompts)
	if done < o.persisted {
		o.mu.Unlock()
		return
	}
	o.persisted = done
	snap := &types.ProjectSnapshot{
		ProjectID:        o.projectID,
		Script:           o.script,
		Style:            o.analysis.Style,
		SceneDurationSec: o.sceneDur,
		Analysis:         o.analysis,
		Prompts:          append([]types.FullScenePrompt(nil), o.prompts...),
		NextIndex:        done,
		IsComplete:       complete,
	}
	o.mu.Unlock()

	if err := o.store.SaveSnapshot(snap); err != nil {
		o.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

func (o *Orchestrator) notify() {
	if o.onProgress == nil {
		return
	}
	o.onProgress(o.promptsCopy())
}

func (o *Orchestrator) finish() {
	o.persist(true)
	o.mu.Lock()
	o.state.Phase = types.PhaseIdle
	o.mu.Unlock()
	o.logger.Info("run complete", zap.Int("scenes", len(o.prompts)))
}

// fail records the terminal status. Cancellation is a distinct outcome, not an
// error state.
func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Phase = types.PhaseIdle
	if !errors.Is(err, ErrCancelled) {
		o.state.Error = err.Error()
	}
	return err
}
