// Package embed provides embedding clients for the similarity recall
// store. Embedding computation is an external collaborator; the engine
// depends only on the Embedder interface.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
)

// Embedder computes a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// openaiEmbedder implements Embedder using the OpenAI embeddings API.
type openaiEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an Embedder backed by the OpenAI API.
func NewOpenAI(apiKey, model string) Embedder {
	return &openaiEmbedder{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "embed: create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, eris.New("embed: empty embedding response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// hashDims is the dimensionality of the offline hash embedder.
const hashDims = 64

// hashEmbedder is a deterministic offline embedder used in dev mode
// and tests when no API key is configured. Identical inputs always
// produce identical vectors; similar inputs do not cluster, so it
// exercises exact-match recall only.
type hashEmbedder struct{}

// NewHash creates the deterministic offline embedder.
func NewHash() Embedder {
	return hashEmbedder{}
}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, hashDims)
	for i := 0; i < hashDims; i++ {
		// Two bytes per dimension, cycled through the digest.
		hi := sum[(2*i)%len(sum)]
		lo := sum[(2*i+1)%len(sum)]
		v := binary.BigEndian.Uint16([]byte{hi, lo})
		vec[i] = float32(v)/32767.5 - 1
	}
	return vec, nil
}
