package attention

import (
	"errors"
	"math"
	"sync"

	"proctorcall/internal/domain"
	"proctorcall/internal/ports"
)

// DefaultCalibrationPoints is the click-through grid size.
const DefaultCalibrationPoints = 9

var (
	ErrNoObservation   = errors.New("no gaze observation available for calibration")
	ErrCalibrationDone = errors.New("calibration already complete")
)

// Estimator turns raw tracker observations into attention samples.
type Estimator interface {
	Name() string
	NeedsCalibration() bool
	// AddCalibrationPoint pairs an on-screen target with the current observation
	// and returns how many points remain.
	AddCalibrationPoint(target domain.Point, obs ports.Observation) (int, error)
	Estimate(obs ports.Observation) domain.AttentionSample
	// Reset forgets anything learned during calibration.
	Reset()
}

// CalibratedGazeEstimator corrects raw gaze coordinates with a per-axis
// linear fit learned from click-through calibration.
type CalibratedGazeEstimator struct {
	mu       sync.Mutex
	required int
	targets  []domain.Point
	observed []domain.Point
	fit      axisFit
}

type axisFit struct {
	scaleX, offsetX float64
	scaleY, offsetY float64
}

var identityFit = axisFit{scaleX: 1, scaleY: 1}

func NewCalibratedGazeEstimator(points int) *CalibratedGazeEstimator {
	if points <= 0 {
		points = DefaultCalibrationPoints
	}
	return &CalibratedGazeEstimator{required: points, fit: identityFit}
}

func (e *CalibratedGazeEstimator) Name() string { return "gaze" }

func (e *CalibratedGazeEstimator) NeedsCalibration() bool { return true }

func (e *CalibratedGazeEstimator) AddCalibrationPoint(target domain.Point, obs ports.Observation) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.targets) >= e.required {
		return 0, ErrCalibrationDone
	}
	if !obs.Present || obs.Gaze == nil {
		return e.required - len(e.targets), ErrNoObservation
	}

	e.targets = append(e.targets, target)
	e.observed = append(e.observed, *obs.Gaze)
	if len(e.targets) == e.required {
		e.fit = fitAxes(e.observed, e.targets)
	}
	return e.required - len(e.targets), nil
}

func (e *CalibratedGazeEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = nil
	e.observed = nil
	e.fit = identityFit
}

func (e *CalibratedGazeEstimator) Estimate(obs ports.Observation) domain.AttentionSample {
	sample := domain.AttentionSample{Timestamp: obs.Timestamp}
	if !obs.Present || obs.Gaze == nil {
		return sample
	}

	e.mu.Lock()
	fit := e.fit
	e.mu.Unlock()

	sample.Present = true
	sample.Point = &domain.Point{
		X: obs.Gaze.X*fit.scaleX + fit.offsetX,
		Y: obs.Gaze.Y*fit.scaleY + fit.offsetY,
	}
	return sample
}

func fitAxes(observed []domain.Point, targets []domain.Point) axisFit {
	xs := make([]float64, len(observed))
	ys := make([]float64, len(observed))
	txs := make([]float64, len(targets))
	tys := make([]float64, len(targets))
	for i := range observed {
		xs[i], ys[i] = observed[i].X, observed[i].Y
		txs[i], tys[i] = targets[i].X, targets[i].Y
	}
	scaleX, offsetX := fitLine(xs, txs)
	scaleY, offsetY := fitLine(ys, tys)
	return axisFit{scaleX: scaleX, offsetX: offsetX, scaleY: scaleY, offsetY: offsetY}
}

// fitLine returns the least-squares slope and intercept mapping in to out.
// With no spread in the input only the mean offset is corrected.
func fitLine(in []float64, out []float64) (float64, float64) {
	n := float64(len(in))
	if n == 0 {
		return 1, 0
	}
	var meanIn, meanOut float64
	for i := range in {
		meanIn += in[i]
		meanOut += out[i]
	}
	meanIn /= n
	meanOut /= n

	var cov, variance float64
	for i := range in {
		cov += (in[i] - meanIn) * (out[i] - meanOut)
		variance += (in[i] - meanIn) * (in[i] - meanIn)
	}
	if variance < 1e-9 {
		return 1, meanOut - meanIn
	}
	slope := cov / variance
	return slope, meanOut - slope*meanIn
}

// CalibrationTargets lays out a square grid of targets inset from the viewport edges.
func CalibrationTargets(viewport domain.Viewport, points int) []domain.Point {
	if points <= 0 {
		points = DefaultCalibrationPoints
	}
	side := int(math.Ceil(math.Sqrt(float64(points))))
	fractions := make([]float64, side)
	for i := range fractions {
		if side == 1 {
			fractions[i] = 0.5
			continue
		}
		fractions[i] = 0.1 + 0.8*float64(i)/float64(side-1)
	}

	targets := make([]domain.Point, 0, points)
	for _, fy := range fractions {
		for _, fx := range fractions {
			if len(targets) == points {
				return targets
			}
			targets = append(targets, domain.Point{X: fx * viewport.Width, Y: fy * viewport.Height})
		}
	}
	return targets
}

// Face-mesh landmark indexes used for pose estimation.
const (
	landmarkForehead      = 10
	landmarkNoseTip       = 1
	landmarkChin          = 152
	landmarkLeftEyeOuter  = 33
	landmarkRightEyeOuter = 263
)

const (
	// noseDepthRatio is nose protrusion relative to outer-eye distance.
	noseDepthRatio = 0.6
	// neutralNoseRatio is where the nose tip sits between eye line and chin when facing the camera.
	neutralNoseRatio = 0.42
	// pitchDegreesPerRatio converts a nose-ratio offset into degrees.
	pitchDegreesPerRatio = 150.0
)

// HeadPoseEstimator derives yaw and pitch from face-mesh landmarks and needs no calibration.
type HeadPoseEstimator struct{}

func NewHeadPoseEstimator() *HeadPoseEstimator { return &HeadPoseEstimator{} }

func (e *HeadPoseEstimator) Name() string { return "headpose" }

func (e *HeadPoseEstimator) NeedsCalibration() bool { return false }

func (e *HeadPoseEstimator) AddCalibrationPoint(domain.Point, ports.Observation) (int, error) {
	return 0, ErrCalibrationDone
}

func (e *HeadPoseEstimator) Reset() {}

func (e *HeadPoseEstimator) Estimate(obs ports.Observation) domain.AttentionSample {
	sample := domain.AttentionSample{Timestamp: obs.Timestamp}
	if !obs.Present {
		return sample
	}
	pose, ok := EstimatePose(obs.Landmarks)
	if !ok {
		return sample
	}
	sample.Present = true
	sample.Pose = &pose
	return sample
}

// EstimatePose approximates head yaw and pitch in degrees. Positive yaw means the
// nose moved right in the image, positive pitch means the head tilted down.
func EstimatePose(landmarks []domain.Landmark) (domain.Pose, bool) {
	if len(landmarks) <= landmarkRightEyeOuter {
		return domain.Pose{}, false
	}

	nose := landmarks[landmarkNoseTip]
	left := landmarks[landmarkLeftEyeOuter]
	right := landmarks[landmarkRightEyeOuter]
	chin := landmarks[landmarkChin]
	forehead := landmarks[landmarkForehead]

	eyeDist := math.Hypot(right.X-left.X, right.Y-left.Y)
	if eyeDist < 1e-6 {
		return domain.Pose{}, false
	}
	midX := (left.X + right.X) / 2
	midY := (left.Y + right.Y) / 2

	yaw := math.Atan((nose.X-midX)/(eyeDist*noseDepthRatio)) * 180 / math.Pi

	faceHeight := chin.Y - midY
	if faceHeight < 1e-6 || chin.Y <= forehead.Y {
		return domain.Pose{}, false
	}
	ratio := (nose.Y - midY) / faceHeight
	pitch := (ratio - neutralNoseRatio) * pitchDegreesPerRatio

	return domain.Pose{Yaw: yaw, Pitch: pitch}, true
}
