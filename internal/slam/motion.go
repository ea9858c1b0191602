package slam

// WithinFrameMotion interpolates the sensor pose inside a sweep, using the
// poses at the beginning (H0, time T0) and end (H1, time T1) of the frame.
// All points of a sweep are acquired at different timestamps; assuming a
// constant linear and angular velocity during the sweep, the pose at any
// in-sweep time is interpolated between H0 and H1 (linear in translation,
// spherical-linear in rotation).
type WithinFrameMotion struct {
	h0, h1 Isometry
	t0, t1 float64
}

// NewWithinFrameMotion builds an interpolator over [t0, t1].
func NewWithinFrameMotion(h0, h1 Isometry, t0, t1 float64) WithinFrameMotion {
	return WithinFrameMotion{h0: h0, h1: h1, t0: t0, t1: t1}
}

// SetH0 replaces the begin pose.
func (m *WithinFrameMotion) SetH0(h Isometry) { m.h0 = h }

// SetH1 replaces the end pose.
func (m *WithinFrameMotion) SetH1(h Isometry) { m.h1 = h }

// H0 returns the begin pose.
func (m *WithinFrameMotion) H0() Isometry { return m.h0 }

// H1 returns the end pose.
func (m *WithinFrameMotion) H1() Isometry { return m.h1 }

// At returns the interpolated pose at time t. Times outside [t0, t1]
// extrapolate the constant-velocity model. A degenerate time range yields H1.
func (m *WithinFrameMotion) At(t float64) Isometry {
	if m.t1 == m.t0 {
		return m.h1
	}
	u := (t - m.t0) / (m.t1 - m.t0)
	return m.h0.Interpolate(m.h1, u)
}
