package utils

import (
	"gonum.org/v1/gonum/mat"
)

// CovarianceDim is the size of a pose covariance: x, y, z, roll, pitch, yaw.
const CovarianceDim = 6

// DiagonalCovariance builds the fixed pose covariance used for every odometry record: all six
// diagonal entries equal variance, everything else zero.
func DiagonalCovariance(variance float64) *mat.DiagDense {
	diag := make([]float64, CovarianceDim)
	for i := range diag {
		diag[i] = variance
	}
	return mat.NewDiagDense(CovarianceDim, diag)
}

// CovarianceRowMajor flattens a covariance matrix row by row, the layout odometry consumers
// expect.
func CovarianceRowMajor(cov mat.Matrix) []float64 {
	if cov == nil {
		return nil
	}
	rows, cols := cov.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, cov.At(i, j))
		}
	}
	return out
}
