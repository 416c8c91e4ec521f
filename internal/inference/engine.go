package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/model"
	"github.com/samcharles93/tokenloop/internal/sampling"
	"github.com/samcharles93/tokenloop/internal/session"
)

// Engine pairs a model with one session and serves generation requests one
// at a time.
type Engine struct {
	model      *model.Model
	session    *session.Session
	stopTokens []int32
	log        logger.Logger
}

// LoadOptions configures Load.
type LoadOptions struct {
	Model   model.Options
	Session session.Options
	Logger  logger.Logger
}

// Load opens the model at path and a session on it.
func Load(path string, opts LoadOptions) (*Engine, error) {
	log := logger.OrNop(opts.Logger)
	if opts.Model.Logger == nil {
		opts.Model.Logger = log
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = log
	}

	m, err := model.Open(path, opts.Model)
	if err != nil {
		return nil, err
	}
	s, err := session.Open(m, opts.Session)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return &Engine{
		model:      m,
		session:    s,
		stopTokens: BuildStopTokens(m.Vocabulary()),
		log:        log,
	}, nil
}

func (e *Engine) Model() *model.Model { return e.model }

func (e *Engine) Session() *session.Session { return e.session }

// Close closes the session, then the model.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var errList []error
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			errList = append(errList, err)
		}
		e.session = nil
	}
	if e.model != nil {
		if err := e.model.Close(); err != nil {
			errList = append(errList, err)
		}
		e.model = nil
	}
	return errors.Join(errList...)
}

// Generate runs req from an empty cache and streams the output.
func (e *Engine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if e == nil || e.session == nil {
		return nil, session.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.EchoPrompt && stream != nil && req.Prompt != "" {
		stream(req.Prompt)
	}

	addBOS, _ := e.model.RequiresBOS()
	if req.AddBOS != nil {
		addBOS = *req.AddBOS
	}
	ids, err := safeTokenize(e.model, req.Prompt, addBOS, req.ParseSpecial)
	if err != nil {
		return nil, fmt.Errorf("tokenize prompt: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyPrompt
	}

	if err := e.session.ClearCache(); err != nil {
		return nil, err
	}

	sampler := sampling.New(req.SamplerOptions())
	defer sampler.Close()

	gen := &Generator{
		Session:    e.session,
		Sampler:    sampler,
		Vocab:      e.model.Vocabulary(),
		StopTokens: e.stopTokens,
		MaxTokens:  req.Steps,
		Logger:     e.log,
	}
	res, err := gen.Generate(ctx, ids, stream)
	if err != nil {
		return res, err
	}
	e.log.Debug("generation finished",
		"prompt_tokens", res.Stats.PromptTokens,
		"tokens", res.Stats.TokensGenerated,
		"stop", string(res.Stop),
		"tps", res.Stats.TPS,
	)
	return res, nil
}

func safeTokenize(m *model.Model, text string, addBOS, special bool) (ids []int32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Tokenize: %v", rec)
		}
	}()
	return m.Tokenize(text, addBOS, special), nil
}
