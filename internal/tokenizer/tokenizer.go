package tokenizer

// Special holds the ids of the model's special tokens. A token the model does
// not define is -1.
type Special struct {
	BOS    int32
	EOS    int32
	NL     int32
	Prefix int32
	Middle int32
	Suffix int32
	EOT    int32
}

// NoSpecial returns a Special with every id unset.
func NoSpecial() Special {
	return Special{BOS: -1, EOS: -1, NL: -1, Prefix: -1, Middle: -1, Suffix: -1, EOT: -1}
}

// Vocabulary is the token vocabulary of a loaded model.
type Vocabulary interface {
	// Size returns the number of token ids.
	Size() int
	// Tokenize converts text to token ids. addBOS prepends the BOS token when
	// the model has one; special enables parsing of special-token text.
	Tokenize(text string, addBOS, special bool) []int32
	// Detokenize renders a single token. Unknown ids render as "".
	Detokenize(token int32) string
	// DetokenizeAll renders a token sequence.
	DetokenizeAll(tokens []int32) string
	Special() Special
	// RequiresBOS reports whether callers must prepend BOS. known is false
	// when the model does not say.
	RequiresBOS() (required, known bool)
	RequiresEOS() (required, known bool)
	// IsEOG reports whether token ends generation.
	IsEOG(token int32) bool
}
