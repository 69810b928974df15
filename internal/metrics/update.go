package metrics

import (
	"strings"

	"github.com/sweeney/ups-exporter/internal/nut"
)

// Update writes a fresh snapshot into the gauges.
//
// A status variable sets every state of its vocabulary to 1 when the value
// contains the state as a substring and 0 otherwise. upsd sends the states
// space separated, so containment finds each of them. The one overlap in the
// vocabulary is CHRG inside DISCHRG: a discharging UPS also reports CHRG=1.
//
// A numeric variable whose value no longer parses keeps its previous value.
// Variables without a gauge are ignored.
func (r *Registry) Update(vars []nut.Variable) {
	for _, v := range vars {
		if lg, ok := r.labeled[v.Name]; ok {
			for _, state := range lg.states {
				lg.vec.WithLabelValues(state).Set(flag(strings.Contains(v.Value, state)))
			}
			continue
		}
		if bg, ok := r.basic[v.Name]; ok {
			f, ok := parseFloat(v.Value)
			if !ok {
				r.logger.Warn("Failed to update gauge because the value was not a float",
					"gauge", bg.name, "value", v.Value)
				continue
			}
			bg.gauge.Set(f)
			continue
		}
		r.logger.Debug("Variable does not have an associated gauge", "variable", v.Name)
	}
}

// Reset sets every gauge and every status flag to 0.
func (r *Registry) Reset() {
	for _, bg := range r.basic {
		bg.gauge.Set(0)
	}
	for _, lg := range r.labeled {
		for _, state := range lg.states {
			lg.vec.WithLabelValues(state).Set(0)
		}
	}
}

func flag(set bool) float64 {
	if set {
		return 1
	}
	return 0
}
