// Package embed produces BGE-small-en-v1.5 text embeddings through ONNX
// Runtime. Vectors are L2-normalized so dot product equals cosine similarity.
package embed

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// maxSeqLen caps tokenized input length. BGE-small accepts up to 512
	// tokens, but the attention matrix grows with seqLen² and chunk text
	// rarely tokenizes past ~250, so 256 keeps inference cheap with no
	// practical quality loss.
	maxSeqLen = 256
	// EmbeddingDim is the output dimension of BGE-small-en-v1.5.
	EmbeddingDim = 384
	// defaultBatchSize bounds memory and per-call latency on small CPUs.
	defaultBatchSize = 4

	// BGEQueryPrefix is prepended to queries (never to documents) for
	// asymmetric retrieval, as recommended by the model authors.
	// https://huggingface.co/BAAI/bge-small-en-v1.5
	BGEQueryPrefix = "Represent this sentence for searching relevant passages: "
)

// Embedder wraps an ONNX session and a HuggingFace tokenizer.
type Embedder struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
	batchSize int
}

// New loads the ONNX model and tokenizer from modelDir, which must contain
// model.onnx and tokenizer.json. ortLibPath points at onnxruntime.so; pass ""
// to use the system default. numThreads sets intra-op parallelism, 0 meaning
// min(4, NumCPU).
func New(modelDir, ortLibPath string, numThreads int) (*Embedder, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model not found at %s — download BGE-small-en-v1.5 into the model directory first", modelPath)
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, fmt.Errorf("tokenizer not found at %s — download BGE-small-en-v1.5 into the model directory first", tokenPath)
	}

	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w", err)
	}

	// Past 4 threads the intra-op pool mostly contends with itself on the
	// small matmuls this model runs.
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	// Inter-op parallelism stays at 1: the graph is a straight line.
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &Embedder{
		session:   session,
		tokenizer: tk,
		batchSize: defaultBatchSize,
	}, nil
}

// Close releases the ONNX session and tokenizer.
func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Embed embeds document texts (no instruction prefix). Use for chunk
// indexing; queries go through EmbedQuery.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", i, end, err)
		}
		results = append(results, batch...)
	}
	return results, nil
}

// EmbedQuery embeds a single query string with the BGE instruction prefix.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	vecs, err := e.Embed([]string{BGEQueryPrefix + query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("empty result for query")
	}
	return vecs[0], nil
}

// encoded holds tokenization results for a single text.
type encoded struct {
	ids  []int64
	mask []int64
}

// embedBatch runs one ONNX inference call for up to batchSize texts.
// SMARTFORK_DEBUG=1 prints per-phase timing to stderr.
func (e *Embedder) embedBatch(texts []string) ([][]float32, error) {
	debug := os.Getenv("SMARTFORK_DEBUG") == "1"
	batchSize := len(texts)
	t0 := time.Now()

	// Tokenize, truncating to maxSeqLen.
	all := make([]encoded, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(
			text,
			true, // add CLS/SEP
			tokenizers.WithReturnAttentionMask(),
		)
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = encoded{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] tokenize(%d texts, maxLen=%d): %v\n", batchSize, maxLen, time.Since(t0))
	}

	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	// Pad every row to maxLen and build the three input tensors.
	t1 := time.Now()
	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen) // token_type_ids: all zeros
	for i, enc := range all {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] build tensors: %v\n", time.Since(t1))
	}

	t2 := time.Now()
	inputs := []ort.Value{inputIDs, attnMask, typeIDs}
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] session.Run (batch=%d, seq=%d): %v\n", batchSize, maxLen, time.Since(t2))
	}

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	// BGE-small uses the CLS token (position 0) as the sentence embedding.
	t3 := time.Now()
	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, EmbeddingDim)
		base := i * seqLen * EmbeddingDim
		for d := 0; d < EmbeddingDim; d++ {
			vec[d] = hidden[base+d]
		}
		l2Normalize(vec)
		embeddings[i] = vec
	}
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] CLS pool + normalize: %v (total %v)\n", time.Since(t3), time.Since(t0))
	}

	return embeddings, nil
}

// l2Normalize normalizes v in-place to unit length.
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
