package chatsession

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts the tokens of a rendered prompt.
type TokenCounter interface {
	Count(text string) (int, error)
}

type tiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTikTokenCounter counts with the given tiktoken encoding, for example "cl100k_base".
func NewTikTokenCounter(encoding string) (TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "unknown encoding %s", encoding)
	}
	return &tiktokenCounter{codec: codec}, nil
}

func (t *tiktokenCounter) Count(text string) (int, error) {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
