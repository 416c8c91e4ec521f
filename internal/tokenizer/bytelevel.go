package tokenizer

import (
	"fmt"
	"strings"
)

// Special token roles understood by the byte-level vocabulary.
const (
	RoleBOS     = "bos"
	RoleEOS     = "eos"
	RoleEOT     = "eot"
	RolePrefix  = "prefix"
	RoleMiddle  = "middle"
	RoleSuffix  = "suffix"
	RoleControl = "control"
)

// SpecialToken names a control token and the role it plays.
type SpecialToken struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

// ByteLevelConfig describes a byte-level vocabulary.
//
// Ids are assigned in order: special tokens, the 256 single bytes, then the
// merged pieces. Nil AddBOS/AddEOS mean the model does not say.
type ByteLevelConfig struct {
	Specials []SpecialToken `json:"specials"`
	Pieces   []string       `json:"pieces"`
	AddBOS   *bool          `json:"add_bos"`
	AddEOS   *bool          `json:"add_eos"`
}

// ByteLevel is a vocabulary where every byte is a token and longer pieces are
// matched greedily, longest first. Any input is tokenizable.
type ByteLevel struct {
	pieces    []string
	isSpecial []bool
	root      *trieNode
	specials  []string // longest first
	specialID map[string]int32
	special   Special
	addBOS    *bool
	addEOS    *bool
	byteBase  int32
}

type trieNode struct {
	next map[byte]*trieNode
	id   int32
}

// NewByteLevel builds a byte-level vocabulary.
func NewByteLevel(cfg ByteLevelConfig) (*ByteLevel, error) {
	v := &ByteLevel{
		root:      &trieNode{id: -1},
		specialID: make(map[string]int32, len(cfg.Specials)),
		special:   NoSpecial(),
		addBOS:    cfg.AddBOS,
		addEOS:    cfg.AddEOS,
	}

	for _, sp := range cfg.Specials {
		if sp.Text == "" {
			return nil, fmt.Errorf("special token with role %q has empty text", sp.Role)
		}
		if _, dup := v.specialID[sp.Text]; dup {
			return nil, fmt.Errorf("duplicate special token %q", sp.Text)
		}
		id := int32(len(v.pieces))
		v.pieces = append(v.pieces, sp.Text)
		v.isSpecial = append(v.isSpecial, true)
		v.specialID[sp.Text] = id
		v.specials = append(v.specials, sp.Text)
		if err := v.assignRole(sp.Role, id); err != nil {
			return nil, err
		}
	}
	sortLongestFirst(v.specials)

	v.byteBase = int32(len(v.pieces))
	for b := 0; b < 256; b++ {
		v.insert(string([]byte{byte(b)}), int32(len(v.pieces)))
		v.pieces = append(v.pieces, string([]byte{byte(b)}))
		v.isSpecial = append(v.isSpecial, false)
	}
	v.special.NL = v.byteBase + '\n'

	seen := make(map[string]bool, len(cfg.Pieces))
	for _, p := range cfg.Pieces {
		if p == "" {
			return nil, fmt.Errorf("empty piece at index %d", len(v.pieces))
		}
		if len(p) == 1 || seen[p] {
			continue
		}
		seen[p] = true
		v.insert(p, int32(len(v.pieces)))
		v.pieces = append(v.pieces, p)
		v.isSpecial = append(v.isSpecial, false)
	}
	return v, nil
}

func (v *ByteLevel) assignRole(role string, id int32) error {
	switch strings.ToLower(role) {
	case RoleBOS:
		v.special.BOS = id
	case RoleEOS:
		v.special.EOS = id
	case RoleEOT:
		v.special.EOT = id
	case RolePrefix:
		v.special.Prefix = id
	case RoleMiddle:
		v.special.Middle = id
	case RoleSuffix:
		v.special.Suffix = id
	case RoleControl, "":
	default:
		return fmt.Errorf("unknown special token role %q", role)
	}
	return nil
}

func (v *ByteLevel) insert(piece string, id int32) {
	n := v.root
	for i := 0; i < len(piece); i++ {
		if n.next == nil {
			n.next = make(map[byte]*trieNode)
		}
		child, ok := n.next[piece[i]]
		if !ok {
			child = &trieNode{id: -1}
			n.next[piece[i]] = child
		}
		n = child
	}
	n.id = id
}

func (v *ByteLevel) Size() int        { return len(v.pieces) }
func (v *ByteLevel) Special() Special { return v.special }

func (v *ByteLevel) RequiresBOS() (bool, bool) { return optional(v.addBOS) }
func (v *ByteLevel) RequiresEOS() (bool, bool) { return optional(v.addEOS) }

func optional(b *bool) (bool, bool) {
	if b == nil {
		return false, false
	}
	return *b, true
}

func (v *ByteLevel) IsEOG(token int32) bool {
	return token >= 0 && (token == v.special.EOS || token == v.special.EOT)
}

// Tokenize implements Vocabulary.
func (v *ByteLevel) Tokenize(text string, addBOS, special bool) []int32 {
	ids := make([]int32, 0, len(text)/2+1)
	if addBOS && v.special.BOS >= 0 {
		ids = append(ids, v.special.BOS)
	}
	if !special {
		return v.encode(ids, text)
	}
	for _, part := range splitOnSpecials(text, v.specials) {
		if part.isSpecial {
			ids = append(ids, v.specialID[part.text])
			continue
		}
		ids = v.encode(ids, part.text)
	}
	return ids
}

// encode appends the greedy longest-match tokenization of text to ids.
func (v *ByteLevel) encode(ids []int32, text string) []int32 {
	for i := 0; i < len(text); {
		n := v.root
		bestID, bestLen := int32(-1), 0
		for j := i; j < len(text); j++ {
			child, ok := n.next[text[j]]
			if !ok {
				break
			}
			n = child
			if n.id >= 0 {
				bestID, bestLen = n.id, j-i+1
			}
		}
		// every single byte is in the trie, so bestLen >= 1
		ids = append(ids, bestID)
		i += bestLen
	}
	return ids
}

// Detokenize implements Vocabulary.
func (v *ByteLevel) Detokenize(token int32) string {
	if token < 0 || int(token) >= len(v.pieces) {
		return ""
	}
	return v.pieces[token]
}

// DetokenizeAll implements Vocabulary.
func (v *ByteLevel) DetokenizeAll(tokens []int32) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(v.Detokenize(t))
	}
	return sb.String()
}

// IsSpecial reports whether token is a control token.
func (v *ByteLevel) IsSpecial(token int32) bool {
	return token >= 0 && int(token) < len(v.isSpecial) && v.isSpecial[token]
}
