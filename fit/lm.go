package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrInsufficientData is generated when fewer than three points are fit
	ErrInsufficientData = errors.New("at least 3 points are needed to fit 3 parameters")

	// ErrDidNotConverge is generated when the iteration limit is reached or
	// the normal equations are singular
	ErrDidNotConverge = errors.New("fit did not converge")
)

const maxLambda = 1e16

// Settings tunes the Levenberg–Marquardt iteration
type Settings struct {
	// MaxIter bounds the number of accepted steps
	MaxIter int

	// FTol stops when an accepted step reduces the residual sum of squares
	// by less than this fraction
	FTol float64

	// XTol stops when a step is this small relative to the parameters
	XTol float64

	// GTol stops when the largest gradient component is this small
	GTol float64

	// Lambda is the initial damping
	Lambda float64
}

// DefaultSettings are good for contrast curves of a handful of points
func DefaultSettings() Settings {
	return Settings{MaxIter: 200, FTol: 1e-10, XTol: 1e-10, GTol: 1e-12, Lambda: 1e-3}
}

// Result is a converged fit
type Result struct {
	Params Params

	// StdErr is the standard error of each parameter from the covariance
	// estimate; zero when there are no residual degrees of freedom
	StdErr Params

	// RSS is the residual sum of squares
	RSS float64

	// R2 is the coefficient of determination
	R2 float64

	Iterations int
}

func validate(times, values []float64, guess Params) error {
	if len(times) != len(values) {
		return fmt.Errorf("%d exposure times but %d contrast values", len(times), len(values))
	}
	if len(times) < 3 {
		return fmt.Errorf("%w: got %d", ErrInsufficientData, len(times))
	}
	for i := range times {
		if !finite(times[i]) || !finite(values[i]) {
			return fmt.Errorf("point %d is not finite: (%g, %g)", i, times[i], values[i])
		}
	}
	if !finite(guess.P) || !finite(guess.Tau) || !finite(guess.VNoise) {
		return fmt.Errorf("initial guess is not finite: %+v", guess)
	}
	if guess.Tau <= 0 {
		return fmt.Errorf("initial correlation time must be positive, got %g", guess.Tau)
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func sse(times, values []float64, p Params) float64 {
	var s float64
	for i, t := range times {
		r := values[i] - Model(t, p)
		s += r * r
	}
	return s
}

// normal builds JᵀJ and Jᵀr at p
func normal(times, values []float64, p Params) (h [3][3]float64, g [3]float64) {
	for i, t := range times {
		j := gradient(t, p)
		r := values[i] - Model(t, p)
		for a := 0; a < 3; a++ {
			g[a] += j[a] * r
			for b := 0; b < 3; b++ {
				h[a][b] += j[a] * j[b]
			}
		}
	}
	return h, g
}

// solve returns δ with (H + λ diag(H)) δ = g, or false if the system is singular
func solve(h [3][3]float64, g [3]float64, lambda float64) ([3]float64, bool) {
	data := make([]float64, 9)
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			data[3*a+b] = h[a][b]
		}
		d := h[a][a]
		if d == 0 {
			d = 1
		}
		data[4*a] += lambda * d
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(3, data)); !ok {
		return [3]float64{}, false
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, mat.NewVecDense(3, g[:])); err != nil {
		return [3]float64{}, false
	}
	return [3]float64{delta.AtVec(0), delta.AtVec(1), delta.AtVec(2)}, true
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Fit fits the model to (times, values) from guess with DefaultSettings
func Fit(times, values []float64, guess Params) (Result, error) {
	return FitWith(times, values, guess, DefaultSettings())
}

// FitWith fits the model to (times, values) from guess by Levenberg–Marquardt
// with Marquardt's diagonal scaling.  Steps that would make τ non-positive
// are rejected.  A singular system or running out of iterations returns
// an error wrapping ErrDidNotConverge; parameters are never returned
// silently from a failed fit.
func FitWith(times, values []float64, guess Params, s Settings) (Result, error) {
	if err := validate(times, values, guess); err != nil {
		return Result{}, err
	}
	theta := guess
	cur := sse(times, values, theta)
	if !finite(cur) {
		return Result{}, fmt.Errorf("%w: model is not finite at the initial guess", ErrDidNotConverge)
	}
	lambda := s.Lambda
	iter := 0
	for ; iter < s.MaxIter; iter++ {
		if cur == 0 {
			return summarize(times, values, theta, cur, iter), nil
		}
		h, g := normal(times, values, theta)
		if math.Max(math.Abs(g[0]), math.Max(math.Abs(g[1]), math.Abs(g[2]))) <= s.GTol {
			return summarize(times, values, theta, cur, iter), nil
		}
		for {
			delta, ok := solve(h, g, lambda)
			if !ok {
				lambda *= 10
				if lambda > maxLambda {
					return Result{}, fmt.Errorf("%w: normal equations are singular at %+v", ErrDidNotConverge, theta)
				}
				continue
			}
			tv := theta.vec()
			next := fromVec([3]float64{tv[0] + delta[0], tv[1] + delta[1], tv[2] + delta[2]})
			ns := math.Inf(1)
			if next.Tau > 0 {
				ns = sse(times, values, next)
			}
			if finite(ns) && ns < cur {
				done := cur-ns <= s.FTol*cur || norm(delta) <= s.XTol*(norm(tv)+s.XTol)
				theta, cur = next, ns
				lambda = math.Max(lambda/10, 1e-12)
				if done {
					return summarize(times, values, theta, cur, iter+1), nil
				}
				break
			}
			lambda *= 10
			if lambda > maxLambda {
				// no step in any direction reduces the residual
				return summarize(times, values, theta, cur, iter), nil
			}
		}
	}
	return Result{}, fmt.Errorf("%w: %d iterations exhausted at %+v", ErrDidNotConverge, iter, theta)
}

func summarize(times, values []float64, p Params, rss float64, iter int) Result {
	res := Result{Params: p, RSS: rss, Iterations: iter}
	est := make([]float64, len(times))
	for i, t := range times {
		est[i] = Model(t, p)
	}
	res.R2 = stat.RSquaredFrom(est, values, nil)

	dof := len(times) - 3
	if dof <= 0 {
		return res
	}
	h, _ := normal(times, values, p)
	data := make([]float64, 0, 9)
	for a := 0; a < 3; a++ {
		data = append(data, h[a][:]...)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(3, data)); !ok {
		return res
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return res
	}
	s2 := rss / float64(dof)
	res.StdErr = Params{
		P:      math.Sqrt(s2 * cov.At(0, 0)),
		Tau:    math.Sqrt(s2 * cov.At(1, 1)),
		VNoise: math.Sqrt(s2 * cov.At(2, 2)),
	}
	return res
}
