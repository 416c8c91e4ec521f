package inference

import (
	"slices"

	"github.com/samcharles93/tokenloop/internal/tokenizer"
)

// BuildStopTokens returns the vocabulary's end-of-generation tokens: EOS and
// EOT when defined.
func BuildStopTokens(vocab tokenizer.Vocabulary) []int32 {
	sp := vocab.Special()
	var stop []int32
	for _, id := range []int32{sp.EOS, sp.EOT} {
		if id >= 0 && !slices.Contains(stop, id) {
			stop = append(stop, id)
		}
	}
	return stop
}
