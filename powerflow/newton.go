package powerflow

import (
	"context"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

const (
	minDamping    = 0.05
	maxBacktracks = 6
)

// state is the iterate of a Newton-Raphson solve.
type state struct {
	vm []float64
	va []float64 // radians
}

func (st state) clone() state {
	return state{
		vm: append([]float64(nil), st.vm...),
		va: append([]float64(nil), st.va...),
	}
}

func (st state) voltages() []complex128 {
	v := make([]complex128, len(st.vm))
	for i := range st.vm {
		v[i] = cmplx.Rect(st.vm[i], st.va[i])
	}
	return v
}

// newton runs the polar Newton-Raphson iteration. With damping enabled each
// step is scaled by an adaptive factor and backtracked while the mismatch
// grows.
func (s *system) newton(ctx context.Context, opts Options) (state, int, float64, error) {
	st := state{
		vm: append([]float64(nil), s.vm0...),
		va: make([]float64, len(s.vm0)),
	}
	pvpq := append(append([]int(nil), s.pv...), s.pq...)
	damped := opts.Algorithm == DampedNewtonRaphson
	damping := 1.0
	if damped {
		damping = 0.5
	}

	f, norm := s.mismatch(st.voltages(), pvpq)
	for iter := 0; ; iter++ {
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			return st, iter, norm, &ConvergenceError{Algorithm: opts.Algorithm, Iterations: iter, MismatchMVA: norm}
		}
		if norm < opts.ToleranceMVA {
			return st, iter, norm, nil
		}
		if iter >= opts.MaxIterations {
			return st, iter, norm, &ConvergenceError{Algorithm: opts.Algorithm, Iterations: iter, MismatchMVA: norm}
		}
		if err := ctx.Err(); err != nil {
			return st, iter, norm, err
		}

		dx, err := s.step(st, pvpq, f)
		if err != nil {
			return st, iter, norm, &ConvergenceError{Algorithm: opts.Algorithm, Iterations: iter, MismatchMVA: norm, Cause: err}
		}

		if !damped {
			st = s.apply(st, pvpq, dx, 1)
			f, norm = s.mismatch(st.voltages(), pvpq)
			continue
		}

		// Backtrack until the mismatch stops growing, then let the factor
		// recover towards a full step.
		var (
			next     state
			nextF    []float64
			nextNorm float64
		)
		for try := 0; ; try++ {
			next = s.apply(st, pvpq, dx, damping)
			nextF, nextNorm = s.mismatch(next.voltages(), pvpq)
			if nextNorm < norm || try >= maxBacktracks || damping <= minDamping {
				break
			}
			damping = math.Max(minDamping, damping*0.5)
		}
		if nextNorm < norm {
			damping = math.Min(1, damping*1.2)
		}
		st, f, norm = next, nextF, nextNorm
	}
}

// mismatch returns F = [ΔP(pv,pq); ΔQ(pq)] in per unit and its infinity
// norm in MVA.
func (s *system) mismatch(v []complex128, pvpq []int) ([]float64, float64) {
	sCalc, _ := s.injections(v)
	f := make([]float64, 0, len(pvpq)+len(s.pq))
	worst := 0.0
	for _, i := range pvpq {
		d := real(sCalc[i] - s.sbus[i])
		f = append(f, d)
		worst = math.Max(worst, math.Abs(d))
	}
	for _, i := range s.pq {
		d := imag(sCalc[i] - s.sbus[i])
		f = append(f, d)
		worst = math.Max(worst, math.Abs(d))
	}
	if hasNaN(f) {
		return f, math.NaN()
	}
	return f, worst * s.baseMVA
}

// step solves J·dx = F at the current iterate.
func (s *system) step(st state, pvpq []int, f []float64) ([]float64, error) {
	j := s.jacobian(st, pvpq)
	var lu mat.LU
	lu.Factorize(j)
	var dx mat.VecDense
	if err := lu.SolveVecTo(&dx, false, mat.NewVecDense(len(f), f)); err != nil {
		return nil, ErrSingularJacobian
	}
	out := make([]float64, len(f))
	for i := range out {
		out[i] = dx.AtVec(i)
	}
	if hasNaN(out) {
		return nil, ErrSingularJacobian
	}
	return out, nil
}

func (s *system) apply(st state, pvpq []int, dx []float64, factor float64) state {
	next := st.clone()
	for k, i := range pvpq {
		next.va[i] -= factor * dx[k]
	}
	off := len(pvpq)
	for k, i := range s.pq {
		next.vm[i] -= factor * dx[off+k]
	}
	return next
}

// jacobian builds
//
//	J = | Re dS/dθ (pvpq, pvpq)  Re dS/d|V| (pvpq, pq) |
//	    | Im dS/dθ (pq,   pvpq)  Im dS/d|V| (pq,   pq) |
func (s *system) jacobian(st state, pvpq []int) *mat.Dense {
	v := st.voltages()
	_, ibus := s.injections(v)
	npvpq, npq := len(pvpq), len(s.pq)
	m := npvpq + npq
	j := mat.NewDense(m, m, nil)

	dVa := func(i, k int) complex128 {
		if i == k {
			return complex(0, 1) * v[i] * cmplx.Conj(ibus[i]-s.ybus[i][i]*v[i])
		}
		return complex(0, 1) * v[i] * cmplx.Conj(-s.ybus[i][k]*v[k])
	}
	dVm := func(i, k int) complex128 {
		vn := v[k] / complex(st.vm[k], 0)
		if i == k {
			return v[i]*cmplx.Conj(s.ybus[i][i]*vn) + cmplx.Conj(ibus[i])*vn
		}
		return v[i] * cmplx.Conj(s.ybus[i][k]*vn)
	}

	for r, i := range pvpq {
		for c, k := range pvpq {
			j.Set(r, c, real(dVa(i, k)))
		}
		for c, k := range s.pq {
			j.Set(r, npvpq+c, real(dVm(i, k)))
		}
	}
	for r, i := range s.pq {
		for c, k := range pvpq {
			j.Set(npvpq+r, c, imag(dVa(i, k)))
		}
		for c, k := range s.pq {
			j.Set(npvpq+r, npvpq+c, imag(dVm(i, k)))
		}
	}
	return j
}

func hasNaN(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
	}
	return false
}
