package pipeline

import (
	"boldprep/pkg/masking"
	"boldprep/pkg/motion"
)

// backends are the pluggable capabilities the stages call into
type backends struct {
	motion motion.Estimator
	masks  masking.Resampler
}

func defaultBackends() backends {
	return backends{motion: motion.Rigid{}, masks: masking.NearestNeighbour{}}
}

// Option replaces a default backend of the built workflow
type Option func(*backends)

// WithMotionEstimator sets the head-motion estimator. The default aligns each
// volume rigidly with motion.Rigid.
func WithMotionEstimator(e motion.Estimator) Option {
	return func(b *backends) {
		if e != nil {
			b.motion = e
		}
	}
}

// WithMaskResampler sets how masks and labels are moved onto the EPI grid.
func WithMaskResampler(r masking.Resampler) Option {
	return func(b *backends) {
		if r != nil {
			b.masks = r
		}
	}
}
