package inference

import (
	"math/rand/v2"

	"github.com/samcharles93/tokenloop/internal/sampling"
)

// Request is one generation request against an Engine.
type Request struct {
	Prompt string
	// Steps bounds the generated tokens. Below zero means until a stop token
	// or a full context.
	Steps int
	Seed  uint64

	Temperature   float32
	TopK          float32
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int

	// AddBOS overrides the model's BOS requirement when set.
	AddBOS *bool
	// ParseSpecial lets special-token text in the prompt map to its token.
	ParseSpecial bool
	EchoPrompt   bool
}

// RequestOptions carries caller overrides. Nil fields take the defaults.
type RequestOptions struct {
	Prompt string

	Steps *int
	Seed  *uint64

	Temperature   *float32
	TopK          *float32
	TopP          *float32
	MinP          *float32
	RepeatPenalty *float32
	RepeatLastN   *int

	AddBOS       *bool
	ParseSpecial *bool
	EchoPrompt   *bool
}

// ResolveRequest applies opts over the generation defaults. Without a seed
// the request gets a random one.
func ResolveRequest(opts RequestOptions) Request {
	d := sampling.DefaultOptions()
	req := Request{
		Prompt:        opts.Prompt,
		Steps:         -1,
		Temperature:   d.Temperature,
		TopK:          d.TopK,
		TopP:          d.TopP,
		MinP:          d.MinP,
		RepeatPenalty: 1.2,
		RepeatLastN:   d.RepeatLastN,
		AddBOS:        opts.AddBOS,
	}

	if opts.Steps != nil {
		req.Steps = *opts.Steps
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	} else {
		req.Seed = rand.Uint64()
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		req.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		req.RepeatLastN = *opts.RepeatLastN
	}
	if opts.ParseSpecial != nil {
		req.ParseSpecial = *opts.ParseSpecial
	}
	if opts.EchoPrompt != nil {
		req.EchoPrompt = *opts.EchoPrompt
	}
	return req
}

// SamplerOptions returns the sampler configuration of the request.
func (r Request) SamplerOptions() sampling.Options {
	return sampling.Options{
		Temperature:   r.Temperature,
		TopK:          r.TopK,
		TopP:          r.TopP,
		MinP:          r.MinP,
		Seed:          r.Seed,
		RepeatPenalty: r.RepeatPenalty,
		RepeatLastN:   r.RepeatLastN,
	}
}
