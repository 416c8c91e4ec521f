package sampling

// Options configures a Sampler. It is copied at New.
type Options struct {
	// Temperature scales logits before the draw. Zero or below is greedy.
	Temperature float32
	// TopK keeps the K most likely tokens. Fractions truncate; below 1 keeps
	// every token.
	TopK float32
	// TopP keeps the smallest prefix whose probability exceeds TopP. 1 is off.
	TopP float32
	// MinP drops tokens below MinP times the top probability. 0 is off.
	MinP float32
	// Seed drives the random source. Equal seeds give equal draws.
	Seed uint64
	// RepeatPenalty divides positive (multiplies negative) logits of tokens in
	// the last RepeatLastN accepted tokens. 1 is off.
	RepeatPenalty float32
	RepeatLastN   int
}

const defaultRepeatLastN = 64

// DefaultOptions returns the sampler defaults.
func DefaultOptions() Options {
	return Options{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		RepeatPenalty: 1,
		RepeatLastN:   defaultRepeatLastN,
	}
}

// Greedy returns options that always pick the most likely token.
func Greedy() Options {
	return Options{RepeatPenalty: 1, RepeatLastN: defaultRepeatLastN}
}

func (o Options) normalize() Options {
	if o.TopP <= 0 || o.TopP > 1 {
		o.TopP = 1
	}
	if o.MinP < 0 || o.MinP >= 1 {
		o.MinP = 0
	}
	if o.RepeatPenalty <= 0 {
		o.RepeatPenalty = 1
	}
	if o.RepeatLastN <= 0 {
		o.RepeatLastN = defaultRepeatLastN
	}
	return o
}
