package asr

import (
	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/loss"
	"github.com/23skdu/longbow-asr/internal/metrics"
)

// Reporter receives the bundle of every valid forward pass.
type Reporter interface {
	Report(b loss.Bundle)
}

// MetricsReporter publishes loss components as prometheus gauges.
type MetricsReporter struct{}

func (MetricsReporter) Report(b loss.Bundle) {
	c := b.Components()
	metrics.RecordLoss(c)
	logger.Component("asr").Debug("Loss reported", "loss", b.Total, "components", len(c))
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(b loss.Bundle)

func (f ReporterFunc) Report(b loss.Bundle) { f(b) }
