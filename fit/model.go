// Package fit recovers blood flow parameters from a multi-exposure speckle
// contrast curve by nonlinear least squares.
//
// The model is the speckle visibility expression for a mix of dynamic and
// static scatterers:
//
//	x = t/τ
//	f(t) = β p² (e^{-2x} - 1 + 2x)/(2x²) + 4β p(1-p) (e^{-x} - 1 + x)/x² + β(1-p)² + v
//
// with β fixed at 0.25, p the dynamic fraction, τ the correlation time and
// v an additive noise floor.
package fit

import "math"

const (
	// Beta is the fixed coherence factor of the model
	Beta = 0.25

	// xEps replaces x = 0 to keep the model finite
	xEps = 1e-10
)

// Params are the free parameters of the model
type Params struct {
	P      float64 // dynamic (correlated) fraction, nominally [0, 1]
	Tau    float64 // correlation time, same unit as exposure time
	VNoise float64 // noise floor
}

func (p Params) vec() [3]float64 {
	return [3]float64{p.P, p.Tau, p.VNoise}
}

func fromVec(v [3]float64) Params {
	return Params{P: v[0], Tau: v[1], VNoise: v[2]}
}

func ratio(t, tau float64) float64 {
	x := t / tau
	if x == 0 {
		x = xEps
	}
	return x
}

// Model evaluates the contrast expected at exposure time t
func Model(t float64, p Params) float64 {
	x := ratio(t, p.Tau)
	a := (math.Exp(-2*x) - 1 + 2*x) / (2 * x * x)
	b := (math.Exp(-x) - 1 + x) / (x * x)
	q := 1 - p.P
	return Beta*p.P*p.P*a + 4*Beta*p.P*q*b + Beta*q*q + p.VNoise
}

// gradient returns ∂f/∂(p, τ, v) at t
func gradient(t float64, p Params) [3]float64 {
	x := ratio(t, p.Tau)
	e1, e2 := math.Exp(-x), math.Exp(-2*x)
	x2, x3 := x*x, x*x*x
	a := (e2 - 1 + 2*x) / (2 * x2)
	b := (e1 - 1 + x) / x2
	da := (1-e2)/x2 - (e2-1+2*x)/x3
	db := (1-e1)/x2 - 2*(e1-1+x)/x3
	q := 1 - p.P

	dp := Beta * (2*p.P*a + 4*(1-2*p.P)*b - 2*q)
	dx := Beta * (p.P*p.P*da + 4*p.P*q*db)
	dtau := dx * (-x / p.Tau)
	return [3]float64{dp, dtau, 1}
}
