package storage

import (
	"errors"
	"log/slog"
)

const (
	StreamConsole = "console"
	StreamNetwork = "network"
)

type Options struct {
	QueueSize  int
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (o Options) withDefaults() Options {
	if o.QueueSize < 1 {
		o.QueueSize = 1024
	}
	if o.MaxSizeMB < 1 {
		o.MaxSizeMB = 50
	}
	if o.MaxBackups < 1 {
		o.MaxBackups = 20
	}
	if o.MaxAgeDays < 1 {
		o.MaxAgeDays = 30
	}
	return o
}

// Archive owns the console and network streams rooted at one directory.
type Archive struct {
	Console *Writer
	Network *Writer
}

func Open(dir string, opts Options) *Archive {
	opts = opts.withDefaults()
	return &Archive{
		Console: newWriter(dir, StreamConsole, opts),
		Network: newWriter(dir, StreamNetwork, opts),
	}
}

// Close flushes both streams.
func (a *Archive) Close() error {
	err := errors.Join(a.Console.Close(), a.Network.Close())
	if dropped := a.Console.Dropped() + a.Network.Dropped(); dropped > 0 {
		slog.Warn("archive closed with dropped records",
			"console_dropped", a.Console.Dropped(),
			"network_dropped", a.Network.Dropped(),
		)
	}
	return err
}
