package model

import "github.com/samcharles93/tokenloop/internal/logger"

// Options controls how a model is loaded. It is consumed once by Open.
type Options struct {
	// GPULayers is the number of layers to offload. Backends without a GPU
	// ignore it.
	GPULayers uint16
	// UseMlock locks the model file pages into RAM.
	UseMlock bool
	// UseMmap maps the model file instead of reading it.
	UseMmap bool
	// Backend names the compute backend. Empty means auto.
	Backend string
	Logger  logger.Logger
}

// DefaultOptions returns the loader defaults: no offload, mmap on, mlock off.
func DefaultOptions() Options {
	return Options{UseMmap: true}
}

func (o Options) WithGPULayers(n uint16) Options {
	o.GPULayers = n
	return o
}

func (o Options) WithMlock(on bool) Options {
	o.UseMlock = on
	return o
}

func (o Options) WithMmap(on bool) Options {
	o.UseMmap = on
	return o
}
