package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_forward_passes_total",
		Help: "Forward passes grouped by training stage",
	}, []string{"phase"})

	LossComponent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asr_loss",
		Help: "Most recent valid value of each loss component",
	}, []string{"component"})

	InvalidLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_invalid_loss_total",
		Help: "Forward passes whose total loss was NaN or above the threshold",
	})

	InitTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_init_tokens",
		Help: "Tokens accumulated in the mixture initialization buffer",
	})

	Stage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_stage",
		Help: "Current training stage (0=collecting, 1=rearmed, 2=training)",
	})

	Rearms = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_rearm_total",
		Help: "Post-threshold re-collection passes that were triggered",
	})

	GMMFits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_gmm_fits_total",
		Help: "Gaussian mixture fits grouped by stream and mixture kind",
	}, []string{"stream", "kind"})

	GMMFitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_gmm_fit_duration_seconds",
		Help:    "Wall time of a single mixture fit",
		Buckets: prometheus.DefBuckets,
	})

	GMMFitIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_gmm_fit_iterations",
		Help:    "EM iterations until convergence",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
	})

	DecodeDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "asr_decode_duration_seconds",
		Help: "Duration of a recognize call",
	})

	BeamSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_beam_steps",
		Help:    "Decoding steps executed per beam search",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500},
	})

	BeamRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_beam_retries_total",
		Help: "Beam searches retried with a relaxed minimum length",
	})

	EndedHypotheses = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_ended_hypotheses",
		Help:    "Hypotheses in the ended set when a search finishes",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})
)

// RecordForward counts one forward pass in the given stage.
func RecordForward(phase string) {
	ForwardPasses.WithLabelValues(phase).Inc()
}

// RecordLoss publishes the components of a valid loss bundle.
func RecordLoss(components map[string]float64) {
	for name, v := range components {
		LossComponent.WithLabelValues(name).Set(v)
	}
}

func RecordInvalidLoss() {
	InvalidLoss.Inc()
}

func RecordInitTokens(tokens int) {
	InitTokens.Set(float64(tokens))
}

func RecordStage(stage int) {
	Stage.Set(float64(stage))
}

func RecordRearm() {
	Rearms.Inc()
}

// RecordGMMFit records one mixture fit.
func RecordGMMFit(stream, kind string, iterations int, duration time.Duration) {
	GMMFits.WithLabelValues(stream, kind).Inc()
	GMMFitIterations.Observe(float64(iterations))
	GMMFitDuration.Observe(duration.Seconds())
}

// RecordDecode records the outcome of a beam search.
func RecordDecode(steps, ended int, duration time.Duration) {
	BeamSteps.Observe(float64(steps))
	EndedHypotheses.Observe(float64(ended))
	DecodeDuration.Observe(duration.Seconds())
}

func RecordRetry() {
	BeamRetries.Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}
