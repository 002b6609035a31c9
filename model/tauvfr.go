package model

// tauShape is the Gamma shape used to pin the noise precision of TauVFR
// models.
const tauShape = 1e6

var tauvfr = &variant{
	fixedTau: true,
	weight:   unitWeight,
	target:   identity,
	finish:   func(*Model) error { return nil },
	bound:    tauvfrBound,
	predict:  regressionPredict,
	coef:     regressionCoef,
}

func tauvfrBound(m *Model) float64 {
	return -m.logDet() + 0.5*m.tau*m.explained()
}
