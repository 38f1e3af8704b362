package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordForwardByPhase(t *testing.T) {
	before := testutil.ToFloat64(ForwardPasses.WithLabelValues("collecting"))
	RecordForward("collecting")
	RecordForward("collecting")
	RecordForward("training")

	got := testutil.ToFloat64(ForwardPasses.WithLabelValues("collecting")) - before
	if got != 2 {
		t.Errorf("expected 2 collecting passes, got %v", got)
	}
}

func TestRecordLossComponents(t *testing.T) {
	RecordLoss(map[string]float64{"ctc": 12.5, "kl": 0.25})

	if v := testutil.ToFloat64(LossComponent.WithLabelValues("ctc")); v != 12.5 {
		t.Errorf("expected ctc=12.5, got %v", v)
	}
	if v := testutil.ToFloat64(LossComponent.WithLabelValues("kl")); v != 0.25 {
		t.Errorf("expected kl=0.25, got %v", v)
	}
}

func TestRecordInvalidLoss(t *testing.T) {
	before := testutil.ToFloat64(InvalidLoss)
	RecordInvalidLoss()
	if got := testutil.ToFloat64(InvalidLoss) - before; got != 1 {
		t.Errorf("expected one invalid loss, got %v", got)
	}
}

func TestRecordGaugesAndHistograms(t *testing.T) {
	RecordInitTokens(1200)
	if v := testutil.ToFloat64(InitTokens); v != 1200 {
		t.Errorf("expected 1200 init tokens, got %v", v)
	}
	RecordStage(2)
	if v := testutil.ToFloat64(Stage); v != 2 {
		t.Errorf("expected stage 2, got %v", v)
	}

	RecordGMMFit("enc", "semantic", 12, 30*time.Millisecond)
	RecordDecode(17, 3, 5*time.Millisecond)
	RecordRetry()
	RecordRearm()
}

func TestRecordNumericalInstability(t *testing.T) {
	before := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "nan"))
	RecordNumericalInstability("loss", 5, 0)
	RecordNumericalInstability("loss", 0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("loss", "nan")) - before; got != 5 {
		t.Errorf("expected 5 NaNs, got %v", got)
	}
}
