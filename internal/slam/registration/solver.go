package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam.report/internal/slam"
)

// ErrNumericalFailure is returned when the optimization produces non-finite
// values or a Hessian that cannot be factorized even with damping.
var ErrNumericalFailure = errors.New("registration: numerical failure in solver")

// SolverParams tunes one Levenberg-Marquardt solve.
type SolverParams struct {
	// MaxIter caps the LM iterations.
	MaxIter int
	// LossScale is the saturation scale s of the robust loss
	// L(e) = s * arctan(e / s).
	LossScale float64
	// ConvergenceTransEps and ConvergenceRotEps stop the iteration early
	// when a step moves the pose less than these bounds.
	ConvergenceTransEps float64
	ConvergenceRotEps   float64
}

// DefaultSolverParams returns sane LM defaults; callers override MaxIter
// and LossScale per ICP iteration.
func DefaultSolverParams() SolverParams {
	return SolverParams{
		MaxIter:             15,
		LossScale:           0.5,
		ConvergenceTransEps: 1e-4,
		ConvergenceRotEps:   1e-4,
	}
}

// Problem is one non-linear least-squares pose estimation over a set of
// weighted point-to-model residuals.
type Problem struct {
	Residuals []Residual

	// Seed is the initial end-of-sweep pose estimate (the optimization
	// variable).
	Seed slam.Isometry

	// SeedBegin is the pose at sweep start, used when undistortion is
	// enabled. With UndistortionApproximated it stays fixed; with
	// UndistortionOptimized it is jointly optimized.
	SeedBegin slam.Isometry

	// FrameDuration is the sweep duration in seconds; residual times are
	// normalized by it for within-sweep interpolation.
	FrameDuration float64

	Undistortion slam.UndistortionMode
}

// Result carries the optimized poses and their uncertainty.
type Result struct {
	Pose      slam.Isometry
	BeginPose slam.Isometry
	// Covariance estimates the end-pose localization error, DoF order
	// (X, Y, Z, rX, rY, rZ).
	Covariance slam.Covariance
	FinalCost  float64
	Iterations int
	Converged  bool
	Err        error
}

const jacobianStep = 1e-6

// Solve runs damped Gauss-Newton (Levenberg-Marquardt) with iteratively
// reweighted residuals implementing the arctan robust loss. Derivatives are
// computed by central differences, which keeps the interpolated-pose
// residuals of the undistortion modes exact without bespoke Jacobians.
func Solve(prob Problem, p SolverParams) Result {
	res := Result{Pose: prob.Seed, BeginPose: prob.SeedBegin}
	n := len(prob.Residuals)
	if n == 0 {
		res.Err = ErrNumericalFailure
		return res
	}

	nParams := 6
	if prob.Undistortion == slam.UndistortionOptimized {
		nParams = 12
	}
	params := make([]float64, nParams)
	if nParams == 12 {
		poseToVec(prob.SeedBegin, params[0:6])
		poseToVec(prob.Seed, params[6:12])
	} else {
		poseToVec(prob.Seed, params)
	}

	evalAll := func(v []float64, out []float64) bool {
		eval := newEvaluator(prob, v)
		for i, r := range prob.Residuals {
			e := eval.residual(r)
			if math.IsNaN(e) || math.IsInf(e, 0) {
				return false
			}
			out[i] = e
		}
		return true
	}

	errs := make([]float64, n)
	if !evalAll(params, errs) {
		res.Err = ErrNumericalFailure
		return res
	}
	cost := robustCost(errs, p.LossScale)

	lambda := 1e-4
	jac := mat.NewDense(n, nParams, nil)
	perturbed := make([]float64, nParams)
	plus := make([]float64, n)
	minus := make([]float64, n)
	weights := make([]float64, n)
	trial := make([]float64, nParams)
	trialErrs := make([]float64, n)

	var h *mat.SymDense

	for iter := 0; iter < p.MaxIter; iter++ {
		res.Iterations = iter + 1

		// Numerical Jacobian by central differences.
		for j := 0; j < nParams; j++ {
			copy(perturbed, params)
			perturbed[j] += jacobianStep
			if !evalAll(perturbed, plus) {
				res.Err = ErrNumericalFailure
				return res
			}
			perturbed[j] -= 2 * jacobianStep
			if !evalAll(perturbed, minus) {
				res.Err = ErrNumericalFailure
				return res
			}
			for i := 0; i < n; i++ {
				jac.Set(i, j, (plus[i]-minus[i])/(2*jacobianStep))
			}
		}

		// Robust reweighting: w = L'(e) = 1 / (1 + (e/s)^2).
		for i, e := range errs {
			u := e / p.LossScale
			weights[i] = 1 / (1 + u*u)
		}

		h = normalMatrix(jac, weights)
		g := normalRhs(jac, weights, errs)

		improved := false
		factorized := false
		for try := 0; try < 8; try++ {
			damped := mat.NewSymDense(nParams, nil)
			for r := 0; r < nParams; r++ {
				for c := r; c < nParams; c++ {
					v := h.At(r, c)
					if r == c {
						v += lambda * math.Max(h.At(r, r), 1e-12)
					}
					damped.SetSym(r, c, v)
				}
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			factorized = true
			var step mat.VecDense
			if err := chol.SolveVecTo(&step, g); err != nil {
				lambda *= 10
				continue
			}
			for j := 0; j < nParams; j++ {
				trial[j] = params[j] - step.AtVec(j)
			}
			if !evalAll(trial, trialErrs) {
				lambda *= 10
				continue
			}
			trialCost := robustCost(trialErrs, p.LossScale)
			if trialCost < cost {
				stepTrans, stepRot := stepMagnitudes(step.RawVector().Data, nParams)
				copy(params, trial)
				copy(errs, trialErrs)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-9)
				improved = true
				if stepTrans < p.ConvergenceTransEps && stepRot < p.ConvergenceRotEps {
					res.Converged = true
				}
				break
			}
			lambda *= 10
		}
		if !factorized {
			// No damping level made the normal matrix positive definite.
			res.Err = ErrNumericalFailure
			return res
		}
		if !improved {
			// Damping exhausted: the current estimate is a local minimum
			// within numerical precision.
			res.Converged = true
		}
		if res.Converged {
			break
		}
	}

	if nParams == 12 {
		res.BeginPose = vecToPose(params[0:6])
		res.Pose = vecToPose(params[6:12])
	} else {
		res.Pose = vecToPose(params)
	}
	res.FinalCost = cost
	res.Covariance = covarianceFrom(h, weights, errs, nParams)
	return res
}

// evaluator computes residual magnitudes under a parameter vector, caching
// the pose interpolator of the current candidate.
type evaluator struct {
	motion       slam.WithinFrameMotion
	end          slam.Isometry
	interpolated bool
	duration     float64
}

func newEvaluator(prob Problem, v []float64) evaluator {
	var ev evaluator
	ev.duration = prob.FrameDuration
	switch {
	case prob.Undistortion == slam.UndistortionOptimized && len(v) == 12:
		begin := vecToPose(v[0:6])
		ev.end = vecToPose(v[6:12])
		ev.motion = slam.NewWithinFrameMotion(begin, ev.end, 0, prob.FrameDuration)
		ev.interpolated = prob.FrameDuration > 0
	case prob.Undistortion == slam.UndistortionApproximated:
		ev.end = vecToPose(v)
		ev.motion = slam.NewWithinFrameMotion(prob.SeedBegin, ev.end, 0, prob.FrameDuration)
		ev.interpolated = prob.FrameDuration > 0
	default:
		ev.end = vecToPose(v)
	}
	return ev
}

func (ev *evaluator) residual(r Residual) float64 {
	pose := ev.end
	if ev.interpolated {
		pose = ev.motion.At(r.Time)
	}
	wx, wy, wz := pose.Apply(r.X[0], r.X[1], r.X[2])
	d := [3]float64{wx - r.P[0], wy - r.P[1], wz - r.P[2]}
	q := quadraticForm(r.A, d)
	if q < 0 {
		q = 0
	}
	return math.Sqrt(q)
}

func poseToVec(iso slam.Isometry, out []float64) {
	out[0], out[1], out[2] = iso.Translation()
	out[3], out[4], out[5] = iso.Angles()
}

func vecToPose(v []float64) slam.Isometry {
	return slam.NewIsometry(v[0], v[1], v[2], v[3], v[4], v[5])
}

func robustCost(errs []float64, scale float64) float64 {
	var sum float64
	for _, e := range errs {
		sum += scale * math.Atan(e/scale)
	}
	return sum
}

// stepMagnitudes splits an LM step into its worst translation and rotation
// components across the one or two poses being optimized.
func stepMagnitudes(step []float64, nParams int) (trans, rot float64) {
	for base := 0; base < nParams; base += 6 {
		t := sqrt3(step[base], step[base+1], step[base+2])
		r := sqrt3(step[base+3], step[base+4], step[base+5])
		trans = math.Max(trans, t)
		rot = math.Max(rot, r)
	}
	return trans, rot
}

func sqrt3(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// normalMatrix builds H = J^T * W * J.
func normalMatrix(jac *mat.Dense, weights []float64) *mat.SymDense {
	n, nParams := jac.Dims()
	h := mat.NewSymDense(nParams, nil)
	for r := 0; r < nParams; r++ {
		for c := r; c < nParams; c++ {
			var sum float64
			for i := 0; i < n; i++ {
				sum += weights[i] * jac.At(i, r) * jac.At(i, c)
			}
			h.SetSym(r, c, sum)
		}
	}
	return h
}

// normalRhs builds g = J^T * W * e.
func normalRhs(jac *mat.Dense, weights, errs []float64) *mat.VecDense {
	n, nParams := jac.Dims()
	g := mat.NewVecDense(nParams, nil)
	for j := 0; j < nParams; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += weights[i] * jac.At(i, j) * errs[i]
		}
		g.SetVec(j, sum)
	}
	return g
}

// covarianceFrom estimates the 6x6 end-pose covariance from the Hessian
// approximation: sigma^2 * H^-1, with sigma^2 the weighted mean squared
// residual. For a joint begin+end solve the end-pose block is returned.
func covarianceFrom(h *mat.SymDense, weights, errs []float64, nParams int) slam.Covariance {
	var cov slam.Covariance
	if h == nil {
		return fallbackCovariance()
	}

	dof := len(errs) - nParams
	if dof < 1 {
		dof = 1
	}
	var mse float64
	for i, e := range errs {
		mse += weights[i] * e * e
	}
	mse /= float64(dof)

	// Regularize before inverting: a singular Hessian means unobservable
	// directions, which should surface as large variance, not a crash.
	damped := mat.NewSymDense(nParams, nil)
	for r := 0; r < nParams; r++ {
		for c := r; c < nParams; c++ {
			v := h.At(r, c)
			if r == c {
				v += 1e-10
			}
			damped.SetSym(r, c, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return fallbackCovariance()
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return fallbackCovariance()
	}

	base := nParams - 6
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			// Average the off-diagonal pair to keep the result exactly
			// symmetric despite floating point round-off.
			v := (inv.At(base+r, base+c) + inv.At(base+c, base+r)) / 2
			cov[6*r+c] = mse * v
		}
	}
	return cov
}

// fallbackCovariance is the inflated uncertainty reported when the Hessian
// is unusable.
func fallbackCovariance() slam.Covariance {
	var cov slam.Covariance
	for i := 0; i < 6; i++ {
		cov[6*i+i] = 1e3
	}
	return cov
}
