package tasks

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/transfer"
	"github.com/italolelis/fetchqueue/internal/worker"
)

// EmbedOptions sizes the chunks sent to the model server.
type EmbedOptions struct {
	// ChunkWords is the number of words per chunk.
	ChunkWords int
	// OverlapWords repeats the tail of a chunk at the start of the next one.
	OverlapWords int
	// BatchSize is the number of chunks per embed call.
	BatchSize int
}

const (
	defaultChunkWords   = 200
	defaultOverlapWords = 20
	defaultBatchSize    = 16

	embeddingsDir = "embeddings"
)

func (o EmbedOptions) withDefaults() EmbedOptions {
	if o.ChunkWords <= 0 {
		o.ChunkWords = defaultChunkWords
	}

	if o.OverlapWords < 0 || o.OverlapWords >= o.ChunkWords {
		o.OverlapWords = min(defaultOverlapWords, o.ChunkWords/2)
	}

	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}

	return o
}

// EmbedResult is the result of an embed-file job.
type EmbedResult struct {
	File       string `json:"file"`
	Chunks     int    `json:"chunks"`
	Dimensions int    `json:"dimensions"`
	Output     string `json:"output,omitempty"`
}

// embeddingRecord is one line of the output file.
type embeddingRecord struct {
	File      string    `json:"file"`
	Chunk     int       `json:"chunk"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

type embedProgress struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
}

func (d Deps) embedFile(ctx context.Context, job *worker.Job, p jobs.EmbedFileParams) (any, error) {
	if err := p.Validate(); err != nil {
		return nil, worker.Permanent(err)
	}

	if d.Ollama == nil || d.EmbedModel == "" {
		return nil, worker.Permanent(errors.New("embedding model is not configured"))
	}

	source, err := d.sourcePath(p.FilePath)
	if err != nil {
		return nil, worker.Permanent(err)
	}

	name := p.FileName
	if name == "" {
		name = filepath.Base(source)
	}

	logger := logctx.LoggerFromContext(ctx).With("file", name)

	text, err := os.ReadFile(source)
	if errors.Is(err, os.ErrNotExist) {
		return nil, worker.Permanent(fmt.Errorf("file to embed does not exist: %w", err))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read file to embed: %w", err)
	}

	opts := d.Embedding.withDefaults()
	chunks := chunkWords(string(text), opts.ChunkWords, opts.OverlapWords)

	if len(chunks) == 0 {
		logger.InfoContext(ctx, "file has no text to embed")

		return EmbedResult{File: name}, nil
	}

	output := filepath.Join(d.StorageDir, embeddingsDir, job.ID+".jsonl")
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create embeddings directory: %w", err)
	}

	f, err := os.Create(output)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	dimensions := 0

	for start := 0; start < len(chunks); start += opts.BatchSize {
		batch := chunks[start:min(start+opts.BatchSize, len(chunks))]

		vectors, err := d.Ollama.Embed(ctx, d.EmbedModel, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks %d-%d: %w", start, start+len(batch)-1, err)
		}

		for i, vec := range vectors {
			dimensions = len(vec)

			rec := embeddingRecord{File: name, Chunk: start + i, Text: batch[i], Embedding: vec}
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to write embedding: %w", err)
			}
		}

		done := start + len(batch)
		report(ctx, job, done*100/len(chunks), embedProgress{Chunks: len(chunks), Embedded: done})
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write embeddings file: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close embeddings file: %w", err)
	}

	logger.InfoContext(ctx, "file embedded", "chunks", len(chunks), "dimensions", dimensions)

	return EmbedResult{File: name, Chunks: len(chunks), Dimensions: dimensions, Output: output}, nil
}

// sourcePath accepts absolute paths as they are and resolves relative ones
// inside the storage directory.
func (d Deps) sourcePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}

	return transfer.LocalPath(d.StorageDir, path)
}

// chunkWords splits text into chunks of size words; consecutive chunks share
// overlap words.
func chunkWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := size - overlap

	var chunks []string

	for start := 0; ; start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))

		if end == len(words) {
			return chunks
		}
	}
}
