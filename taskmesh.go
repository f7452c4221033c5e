// Package taskmesh assembles a ready-to-use engine from a config.Config:
// SQLite or in-memory stores, the admission controller, the artifact
// pipeline, the router and agents built from their profiles.
package taskmesh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/taskmesh/admission"
	admissionsqlite "github.com/hupe1980/taskmesh/admission/sqlite"
	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/artifact"
	artifactsqlite "github.com/hupe1980/taskmesh/artifact/sqlite"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/event"
	"github.com/hupe1980/taskmesh/internal/sqlitedb"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/model/anthropic"
	"github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/router"
)

// Options configures a Mesh.
type Options struct {
	Logger logging.Logger
	// Models overrides the provider model of an agent, keyed by agent id.
	Models map[string]model.Model
	Sinks  []event.Sink
	// SkipRecover leaves orphaned slots alone on startup.
	SkipRecover bool
}

// Mesh bundles the engine with the stores it was built on.
type Mesh struct {
	Engine    *engine.Engine
	Admission *admission.Controller
	Artifacts *artifact.Pipeline
	Router    *router.Router

	cfg    *config.Config
	models map[string]model.Model
	db     *sql.DB
	logger logging.Logger
}

// New builds a Mesh. With a storage path the slot table and the artifact log
// live in SQLite and orphaned slots from a previous process are released.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	m := &Mesh{cfg: cfg, models: opts.Models, logger: opts.Logger}

	var (
		store     admission.Store = admission.NewMemoryStore()
		persister artifact.Persister
	)
	if cfg.Storage.Path != "" {
		db, err := sqlitedb.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		m.db = db

		slots, err := admissionsqlite.New(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		arts, err := artifactsqlite.New(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		store, persister = slots, arts
	}

	m.Admission = admission.New(func(o *admission.Options) {
		o.Store = store
		o.DefaultLimits = cfg.Defaults
		o.Limits = cfg.Projects
		o.Logger = opts.Logger
	})
	m.Artifacts = artifact.NewPipeline(func(o *artifact.Options) {
		o.Persister = persister
		o.Logger = opts.Logger
	})
	m.Router = router.New(cfg.Profiles()...)
	hooks := engine.NewCallbackManager()
	for _, t := range []engine.CallbackType{engine.CallbackOnPause, engine.CallbackOnError, engine.CallbackOnComplete} {
		hooks.Register(engine.NewLoggingCallback(t, logging.WithComponent(opts.Logger, "hooks")))
	}

	m.Engine = engine.New(func(o *engine.Options) {
		o.Callbacks = hooks
		o.Config = cfg.EngineConfig()
		o.Router = m.Router
		o.Admission = m.Admission
		o.Artifacts = m.Artifacts
		o.Sinks = opts.Sinks
		o.Factory = m.buildAgent
		o.Logger = opts.Logger
	})

	if m.db != nil && !opts.SkipRecover {
		if _, err := m.Engine.Recover(ctx); err != nil {
			_ = m.Close(ctx)
			return nil, fmt.Errorf("recover: %w", err)
		}
	}
	return m, nil
}

// Config returns the configuration the mesh was built from.
func (m *Mesh) Config() *config.Config { return m.cfg }

// WatchConfig applies project limit changes from the file at path until ctx
// ends.
func (m *Mesh) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(c *config.Config) {
		c.ApplyLimits(m.Admission)
	}, func(o *config.WatchOptions) { o.Logger = m.logger })
}

// Close shuts the engine down and closes the database.
func (m *Mesh) Close(ctx context.Context) error {
	err := m.Engine.Close(ctx)
	if m.db != nil {
		err = errors.Join(err, m.db.Close())
	}
	return err
}

func (m *Mesh) buildAgent(p router.AgentProfile) (core.Agent, error) {
	ac, ok := m.cfg.Agent(p.ID)
	if !ok {
		ac = config.AgentConfig{AgentProfile: p}
	}

	if p.Kind == core.KindCommand {
		return agent.NewCommandAgent(p.Codename, ac.Command, func(o *agent.CommandAgentOptions) {
			o.Dir = ac.Dir
			o.Timeout = ac.Timeout
			o.Logger = m.logger
		}), nil
	}

	llm, err := m.modelFor(ac)
	if err != nil {
		return nil, err
	}
	return agent.NewModelAgent(p.Codename, llm, func(o *agent.ModelAgentOptions) {
		o.Instruction = instructionFor(ac)
		if ac.MaxCalls > 0 {
			o.CallLimiter = core.NewCallLimiter(ac.MaxCalls)
		}
		o.Logger = m.logger
	}), nil
}

func (m *Mesh) modelFor(ac config.AgentConfig) (model.Model, error) {
	if llm, ok := m.models[ac.ID]; ok {
		return llm, nil
	}

	switch ac.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if ac.Model != "" {
				o.Model = anthropicsdk.Model(ac.Model)
			}
		}), nil
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if ac.Model != "" {
				o.Model = ac.Model
			}
		}), nil
	case config.ProviderMock, "":
		// dry runs finish every loop stage on the first iteration
		mock := model.NewMockModel(ac.Codename, config.ProviderMock)
		completion := m.cfg.Loop.Completion
		mock.Enqueue(fmt.Sprintf("%s finished the stage.\n%s\n%s", ac.Codename, completion.Promise, completion.ExitSignal))
		return mock, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", ac.Provider)
	}
}

func instructionFor(ac config.AgentConfig) agent.Instruction {
	text := ac.Instruction
	if text == "" {
		text = fmt.Sprintf("You are %s", ac.Codename)
		if ac.Title != "" {
			text += ", " + ac.Title
		}
		text += "."
		if ac.Mission != "" {
			text += "\nMission: " + ac.Mission
		}
		return agent.NewInstructionFromText(text)
	}
	if strings.Contains(text, "{{") {
		return agent.NewInstructionFromTemplate(ac.ID, text)
	}
	return agent.NewInstructionFromText(text)
}
