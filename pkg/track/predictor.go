package track

import (
	"fmt"
	"time"

	"github.com/sajari/regression"

	"github.com/overlandkit/overland/pkg/logx"
)

// minPredictionSamples is the fewest moving points a prediction will run on.
const minPredictionSamples = 5

// Predictor estimates remaining travel time from the speed trend of a
// recorded trip.
type Predictor struct {
	recorder *Recorder
	logger   *logx.Logger
}

// NewPredictor creates an ETA predictor over the given recorder.
func NewPredictor(recorder *Recorder, logger *logx.Logger) *Predictor {
	return &Predictor{recorder: recorder, logger: logger}
}

// EstimateRemaining predicts how long the remaining distance will take, by
// fitting a linear regression of speed over elapsed time for the trip's
// recent points and projecting the speed one interval ahead.
func (p *Predictor) EstimateRemaining(tripID string, remainingMeters float64) (time.Duration, error) {
	points, err := p.recorder.Points(tripID)
	if err != nil {
		return 0, err
	}

	// Only moving samples carry signal; idling at a stop skews the trend.
	moving := make([]Point, 0, len(points))
	for _, pt := range points {
		if pt.Speed > 0.5 {
			moving = append(moving, pt)
		}
	}
	if len(moving) < minPredictionSamples {
		return 0, fmt.Errorf("not enough moving samples for prediction: %d", len(moving))
	}

	// Use linear regression on recent samples
	start := moving[0].Timestamp
	r := new(regression.Regression)
	r.SetObserved("speed_mps")
	r.SetVar(0, "elapsed_s")
	for _, pt := range moving {
		elapsed := float64(pt.Timestamp-start) / 1000
		r.Train(regression.DataPoint(pt.Speed, []float64{elapsed}))
	}
	if err := r.Run(); err != nil {
		return 0, fmt.Errorf("regression failed: %w", err)
	}

	lastElapsed := float64(moving[len(moving)-1].Timestamp-start) / 1000
	predicted, err := r.Predict([]float64{lastElapsed + 60})
	if err != nil {
		return 0, fmt.Errorf("prediction failed: %w", err)
	}

	// Clamp to the observed average when the trend extrapolates nonsense.
	if predicted <= 0 {
		sum := 0.0
		for _, pt := range moving {
			sum += pt.Speed
		}
		predicted = sum / float64(len(moving))
	}
	if predicted <= 0 {
		return 0, fmt.Errorf("no usable speed estimate")
	}

	eta := time.Duration(remainingMeters/predicted) * time.Second
	p.logger.Debug("eta_estimated",
		"trip_id", tripID,
		"remaining_m", remainingMeters,
		"predicted_speed_mps", predicted,
		"eta", eta.String())
	return eta, nil
}
