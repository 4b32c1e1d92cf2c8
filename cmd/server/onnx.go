//go:build onnx

package main

import (
	"log"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/onnx"
)

func newONNXEmbedder(cfg *config.Config) (memory.Embedder, func(), error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:         cfg.ONNXModelPath,
		TokenizerPath:     cfg.ONNXTokenizerPath,
		SharedLibraryPath: cfg.ONNXLibraryPath,
		Dimensions:        cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, func() {
		if err := e.Close(); err != nil {
			log.Printf("⚠️  ONNX shutdown: %v", err)
		}
	}, nil
}
