//go:build !onnx

package main

import (
	"fmt"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
)

func newONNXEmbedder(*config.Config) (memory.Embedder, func(), error) {
	return nil, nil, fmt.Errorf("binary built without ONNX support, rebuild with -tags onnx")
}
