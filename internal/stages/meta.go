package stages

import (
	"math"
	"sort"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// z95 is the two-sided 95% normal quantile.
const z95 = 1.959963984540054

// MetaAnalyze pools study effects by inverse variance. It reports a fixed
// effect estimate and a DerSimonian-Laird random-effects estimate. With
// fewer than two usable studies the result is marked insufficient.
func MetaAnalyze(extractions []domain.Extraction) domain.MetaAnalysis {
	measure, effects := usableEffects(extractions)
	out := domain.MetaAnalysis{
		Studies:       len(effects),
		EffectMeasure: measure,
	}
	if len(effects) < 2 {
		out.InsufficientData = true
		out.Effects = effects
		return out
	}

	var sumW, sumWY, sumW2 float64
	for _, e := range effects {
		w := 1 / e.Variance
		sumW += w
		sumWY += w * e.EffectSize
		sumW2 += w * w
	}
	fixed := sumWY / sumW
	out.FixedEffect = pooled(fixed, math.Sqrt(1/sumW))

	var q float64
	for _, e := range effects {
		d := e.EffectSize - fixed
		q += d * d / e.Variance
	}
	df := len(effects) - 1
	out.Q = q
	out.DF = df
	if q > 0 {
		out.I2 = math.Max(0, (q-float64(df))/q) * 100
	}
	if c := sumW - sumW2/sumW; c > 0 {
		out.Tau2 = math.Max(0, (q-float64(df))/c)
	}

	var sumRW, sumRWY float64
	for _, e := range effects {
		w := 1 / (e.Variance + out.Tau2)
		sumRW += w
		sumRWY += w * e.EffectSize
	}
	out.RandomEffects = pooled(sumRWY/sumRW, math.Sqrt(1/sumRW))

	for i := range effects {
		effects[i].Weight = 100 * (1 / (effects[i].Variance + out.Tau2)) / sumRW
	}
	out.Effects = effects
	return out
}

func pooled(est, se float64) domain.PooledEstimate {
	return domain.PooledEstimate{
		Estimate: est,
		SE:       se,
		CILower:  est - z95*se,
		CIUpper:  est + z95*se,
	}
}

// usableEffects keeps studies reporting an effect size and a positive
// standard error on the most common effect measure.
func usableEffects(extractions []domain.Extraction) (string, []domain.StudyEffect) {
	byMeasure := map[string][]domain.StudyEffect{}
	for _, e := range extractions {
		if e.EffectSize == nil || e.StandardError == nil {
			continue
		}
		y, se := *e.EffectSize, *e.StandardError
		if se <= 0 || math.IsNaN(y) || math.IsInf(y, 0) || math.IsNaN(se) || math.IsInf(se, 0) {
			continue
		}
		m := strings.ToUpper(strings.TrimSpace(e.EffectMeasure))
		byMeasure[m] = append(byMeasure[m], domain.StudyEffect{
			PaperID:    e.PaperID,
			Citation:   e.Citation,
			EffectSize: y,
			Variance:   se * se,
		})
	}

	measures := make([]string, 0, len(byMeasure))
	for m := range byMeasure {
		measures = append(measures, m)
	}
	sort.Slice(measures, func(i, j int) bool {
		if len(byMeasure[measures[i]]) != len(byMeasure[measures[j]]) {
			return len(byMeasure[measures[i]]) > len(byMeasure[measures[j]])
		}
		return measures[i] < measures[j]
	})
	if len(measures) == 0 {
		return "", nil
	}
	return measures[0], byMeasure[measures[0]]
}
