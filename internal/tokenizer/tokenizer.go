// Package tokenizer turns text spans into fixed-length token id sequences.
package tokenizer

import (
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Reserved ids shared by every tokenizer.
const (
	PadID      = 0
	ClsID      = 1
	reservedID = 2
)

// Tokenizer modes accepted by New.
const (
	ModeHash = "hash"
	ModeBPE  = "bpe"
)

const defaultBPEEncoding = "cl100k_base"

// Encoding is a padded token sequence with its attention mask.
type Encoding struct {
	IDs  []int
	Mask []int
}

// Len reports the number of unpadded tokens.
func (e Encoding) Len() int {
	n := 0
	for _, m := range e.Mask {
		n += m
	}
	return n
}

// Tokenizer encodes text for a classifier with a fixed vocabulary.
type Tokenizer interface {
	Encode(text string) Encoding
	VocabSize() int
}

// Options configures New.
type Options struct {
	Mode      string
	VocabSize int
	MaxLength int
}

// New returns the tokenizer for opts.Mode.
func New(opts Options) (Tokenizer, error) {
	if opts.VocabSize <= reservedID {
		return nil, errors.Errorf("tokenizer: vocab size must be > %d (got %d)", reservedID, opts.VocabSize)
	}
	if opts.MaxLength < 2 {
		return nil, errors.Errorf("tokenizer: max length must be >= 2 (got %d)", opts.MaxLength)
	}
	switch opts.Mode {
	case "", ModeHash:
		return &Hash{vocab: opts.VocabSize, maxLen: opts.MaxLength}, nil
	case ModeBPE:
		enc, err := tiktoken.GetEncoding(defaultBPEEncoding)
		if err != nil {
			return nil, errors.Wrapf(err, "tokenizer: load %s", defaultBPEEncoding)
		}
		return &BPE{enc: enc, vocab: opts.VocabSize, maxLen: opts.MaxLength}, nil
	default:
		return nil, errors.Errorf("tokenizer: unknown mode %q", opts.Mode)
	}
}

// Hash is a lower-cased word tokenizer that hashes words into a fixed
// vocabulary.
type Hash struct {
	vocab  int
	maxLen int
}

// NewHash returns a Hash tokenizer.
func NewHash(vocabSize, maxLength int) *Hash {
	return &Hash{vocab: vocabSize, maxLen: maxLength}
}

// Encode implements Tokenizer.
func (h *Hash) Encode(text string) Encoding {
	words := Words(text)
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = bucketID(hashWord(w), h.vocab)
	}
	return pack(ids, h.maxLen)
}

// VocabSize implements Tokenizer.
func (h *Hash) VocabSize() int { return h.vocab }

// BPE wraps a tiktoken encoding and folds its ids into the vocabulary.
type BPE struct {
	enc    *tiktoken.Tiktoken
	vocab  int
	maxLen int
}

// Encode implements Tokenizer.
func (b *BPE) Encode(text string) Encoding {
	raw := b.enc.EncodeOrdinary(text)
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = bucketID(uint32(id), b.vocab)
	}
	return pack(ids, b.maxLen)
}

// VocabSize implements Tokenizer.
func (b *BPE) VocabSize() int { return b.vocab }

// Words splits text into lower-cased runs of letters and digits.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hashWord(w string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(w))
	return h.Sum32()
}

func bucketID(h uint32, vocab int) int {
	return reservedID + int(h%uint32(vocab-reservedID))
}

// pack prepends the CLS token, truncates to maxLen and pads with PadID.
func pack(ids []int, maxLen int) Encoding {
	out := Encoding{IDs: make([]int, maxLen), Mask: make([]int, maxLen)}
	out.IDs[0] = ClsID
	out.Mask[0] = 1
	for i := 0; i < len(ids) && i+1 < maxLen; i++ {
		out.IDs[i+1] = ids[i]
		out.Mask[i+1] = 1
	}
	return out
}
