package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/taskmesh/logging"
)

// Persister is an optional durable copy of the artifact log. The pipeline
// writes through to it before an artifact becomes visible.
type Persister interface {
	Append(ctx context.Context, a Artifact) error
	Delete(ctx context.Context, executionID string) error
	// LoadAll returns every persisted artifact in log order.
	LoadAll(ctx context.Context) ([]Artifact, error)
}

// Options configures a Pipeline.
type Options struct {
	Persister Persister
	Logger    logging.Logger
	Now       func() time.Time
}

type stageKey struct {
	executionID string
	stage       int
}

// Pipeline is the append-only artifact log of every execution plus the
// derived stage-output index. One instance is shared by all executions of a
// process; it is safe for concurrent use.
type Pipeline struct {
	persister Persister
	logger    logging.Logger
	now       func() time.Time

	mu           sync.RWMutex
	byExecution  map[string][]Artifact
	stageOutputs map[stageKey]json.RawMessage

	// writers serialises persistence per execution so that mu is only held
	// for in-memory updates.
	writersMu sync.Mutex
	writers   map[string]*writeLock
}

type writeLock struct {
	mu   sync.Mutex
	refs int
}

// lockExecution serialises writes of one execution and returns the unlock
// func. Entries are dropped once no writer holds or waits for them.
func (p *Pipeline) lockExecution(executionID string) func() {
	p.writersMu.Lock()
	w := p.writers[executionID]
	if w == nil {
		w = &writeLock{}
		p.writers[executionID] = w
	}
	w.refs++
	p.writersMu.Unlock()

	w.mu.Lock()
	return func() {
		w.mu.Unlock()
		p.writersMu.Lock()
		w.refs--
		if w.refs == 0 {
			delete(p.writers, executionID)
		}
		p.writersMu.Unlock()
	}
}

// NewPipeline creates an empty pipeline.
func NewPipeline(optFns ...func(o *Options)) *Pipeline {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Now:    func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Pipeline{
		persister:    opts.Persister,
		logger:       logging.WithComponent(opts.Logger, "artifact"),
		now:          opts.Now,
		byExecution:  make(map[string][]Artifact),
		stageOutputs: make(map[stageKey]json.RawMessage),
		writers:      make(map[string]*writeLock),
	}
}

// Store validates and appends an artifact. It assigns an id when missing and
// a creation time that never goes backwards within one execution. StageOutput
// and StageData artifacts with a stage index also replace the indexed output
// of that stage.
func (p *Pipeline) Store(ctx context.Context, a Artifact) (Artifact, error) {
	if a.ExecutionID == "" {
		return Artifact{}, fmt.Errorf("%w: execution id is required", ErrInvalidArtifact)
	}
	if !a.Type.Valid() {
		return Artifact{}, fmt.Errorf("%w: unknown type %q", ErrInvalidArtifact, a.Type)
	}
	if a.StageIndex != nil && *a.StageIndex < 0 {
		return Artifact{}, fmt.Errorf("%w: negative stage index", ErrInvalidArtifact)
	}
	if len(a.Content) == 0 {
		a.Content = json.RawMessage("null")
	} else if !json.Valid(a.Content) {
		return Artifact{}, fmt.Errorf("%w: content is not valid JSON", ErrInvalidArtifact)
	}

	a = a.clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	// Log order equals persisted order per execution; readers never wait on
	// the persister.
	unlock := p.lockExecution(a.ExecutionID)
	defer unlock()

	created := p.now()
	p.mu.RLock()
	if log := p.byExecution[a.ExecutionID]; len(log) > 0 {
		if last := log[len(log)-1].CreatedAt; created.Before(last) {
			created = last
		}
	}
	p.mu.RUnlock()
	a.CreatedAt = created

	if p.persister != nil {
		if err := p.persister.Append(ctx, a); err != nil {
			return Artifact{}, fmt.Errorf("persist artifact: %w", err)
		}
	}

	p.mu.Lock()
	p.appendLocked(a)
	p.mu.Unlock()

	p.logger.Debug("stored artifact",
		"execution_id", a.ExecutionID, "artifact_id", a.ID, "artifact_type", string(a.Type), "title", a.Title)

	return a.clone(), nil
}

func (p *Pipeline) appendLocked(a Artifact) {
	p.byExecution[a.ExecutionID] = append(p.byExecution[a.ExecutionID], a)
	if idx, ok := a.Stage(); ok && a.Type.indexed() {
		p.stageOutputs[stageKey{a.ExecutionID, idx}] = a.Content
	}
}

// StageOutput returns the latest indexed content of a stage.
func (p *Pipeline) StageOutput(executionID string, stage int) (json.RawMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.stageOutputs[stageKey{executionID, stage}]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), c...), true
}

// AllStageOutputs returns the indexed output of every stage of an execution.
func (p *Pipeline) AllStageOutputs(executionID string) map[int]json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int]json.RawMessage)
	for k, c := range p.stageOutputs {
		if k.executionID == executionID {
			out[k.stage] = append(json.RawMessage(nil), c...)
		}
	}
	return out
}

// ByExecution returns the log of an execution in creation order.
func (p *Pipeline) ByExecution(executionID string) []Artifact {
	return p.filter(executionID, func(Artifact) bool { return true })
}

// ByType returns the artifacts of one type in creation order.
func (p *Pipeline) ByType(executionID string, t Type) []Artifact {
	return p.filter(executionID, func(a Artifact) bool { return a.Type == t })
}

func (p *Pipeline) filter(executionID string, keep func(Artifact) bool) []Artifact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := []Artifact{}
	for _, a := range p.byExecution[executionID] {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	return out
}

// Latest returns the most recently created artifact of a type. Ties on
// creation time go to the later log entry.
func (p *Pipeline) Latest(executionID string, t Type) (Artifact, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var (
		latest Artifact
		found  bool
	)
	for _, a := range p.byExecution[executionID] {
		if a.Type != t {
			continue
		}
		if !found || !a.CreatedAt.Before(latest.CreatedAt) {
			latest, found = a, true
		}
	}
	if !found {
		return Artifact{}, false
	}
	return latest.clone(), true
}

// Count returns the log length of an execution.
func (p *Pipeline) Count(executionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byExecution[executionID])
}

// Summary counts artifacts per type.
func (p *Pipeline) Summary(executionID string) map[Type]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Type]int)
	for _, a := range p.byExecution[executionID] {
		out[a.Type]++
	}
	return out
}

// Executions lists execution ids that have at least one artifact.
func (p *Pipeline) Executions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.byExecution))
	for id := range p.byExecution {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup removes the log and index entries of an execution, including the
// persisted copy. Anything that must outlive it has to be copied first.
func (p *Pipeline) Cleanup(ctx context.Context, executionID string) error {
	unlock := p.lockExecution(executionID)
	defer unlock()

	if p.persister != nil {
		if err := p.persister.Delete(ctx, executionID); err != nil {
			return fmt.Errorf("delete persisted artifacts: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.byExecution, executionID)
	for k := range p.stageOutputs {
		if k.executionID == executionID {
			delete(p.stageOutputs, k)
		}
	}

	p.logger.Debug("cleaned up artifacts", "execution_id", executionID)
	return nil
}

// RebuildIndex recomputes the stage-output index by replaying the log.
func (p *Pipeline) RebuildIndex() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildLocked()
}

func (p *Pipeline) rebuildLocked() {
	p.stageOutputs = make(map[stageKey]json.RawMessage)
	for _, log := range p.byExecution {
		for _, a := range log {
			if idx, ok := a.Stage(); ok && a.Type.indexed() {
				p.stageOutputs[stageKey{a.ExecutionID, idx}] = a.Content
			}
		}
	}
}

// Load replaces the in-memory log with the persisted one and rebuilds the
// index. It is a no-op without a persister.
func (p *Pipeline) Load(ctx context.Context) (int, error) {
	if p.persister == nil {
		return 0, nil
	}

	all, err := p.persister.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load artifacts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.byExecution = make(map[string][]Artifact)
	for _, a := range all {
		p.byExecution[a.ExecutionID] = append(p.byExecution[a.ExecutionID], a)
	}
	p.rebuildLocked()

	p.logger.Info("loaded persisted artifacts", "count", len(all), "executions", len(p.byExecution))
	return len(all), nil
}
