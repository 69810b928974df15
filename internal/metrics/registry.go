package metrics

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/ups-exporter/internal/nut"
)

// StatusLabel is the label dimension of every status gauge.
const StatusLabel = "status"

// statusGauge describes a gauge fed by a variable holding a whitespace
// separated set of state tokens.
type statusGauge struct {
	variable string
	name     string
	help     string
	states   []string
}

// statusGauges are claimed before the numeric pass, so their variables never
// become plain gauges.
var statusGauges = []statusGauge{
	{
		variable: "ups.status",
		name:     "ups_status",
		help:     "UPS Status Code",
		states:   []string{"OL", "OB", "LB", "RB", "CHRG", "DISCHRG", "ALARM", "OVER", "TRIM", "BOOST", "BYPASS", "OFF", "CAL", "TEST", "FSD"},
	},
	{
		variable: "ups.beeper.status",
		name:     "ups_beeper_status",
		help:     "Beeper Status",
		states:   []string{"enabled", "disabled", "muted"},
	},
}

// RegistrationError reports a gauge the collector registry refused, or two
// variables that normalize to the same metric name.
type RegistrationError struct {
	Name     string
	Variable string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registering gauge %q for variable %q: %v", e.Name, e.Variable, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

type basicGauge struct {
	name  string
	gauge prometheus.Gauge
}

type labelGauge struct {
	name   string
	vec    *prometheus.GaugeVec
	states []string
}

// Registry binds NUT variable names to the gauges they feed. The bindings are
// fixed by Build; only gauge values change afterwards, so a Registry may be
// read by the exposition endpoint while the poller updates it.
type Registry struct {
	basic   map[string]basicGauge
	labeled map[string]labelGauge
	logger  *slog.Logger
}

// Build registers one gauge per inventoried variable whose startup sample is a
// finite number, plus the status gauges, on reg.
//
// Variables are visited in name order so that a collision always names the
// same pair. On error every gauge registered so far is unregistered again.
func Build(reg prometheus.Registerer, inv nut.Inventory, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		basic:   make(map[string]basicGauge),
		labeled: make(map[string]labelGauge, len(statusGauges)),
		logger:  logger,
	}

	var registered []prometheus.Collector
	fail := func(err error) (*Registry, error) {
		for _, c := range registered {
			reg.Unregister(c)
		}
		return nil, err
	}
	owners := make(map[string]string) // metric name → variable

	for _, sg := range statusGauges {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sg.name, Help: sg.help}, []string{StatusLabel})
		if err := reg.Register(vec); err != nil {
			return fail(&RegistrationError{Name: sg.name, Variable: sg.variable, Err: err})
		}
		registered = append(registered, vec)
		for _, state := range sg.states {
			vec.WithLabelValues(state).Set(0)
		}
		r.labeled[sg.variable] = labelGauge{name: sg.name, vec: vec, states: sg.states}
		owners[sg.name] = sg.variable
	}

	for _, variable := range slices.Sorted(maps.Keys(inv)) {
		if _, ok := r.labeled[variable]; ok {
			continue
		}
		entry := inv[variable]
		if _, ok := parseFloat(entry.Sample); !ok {
			logger.Debug("Variable is not numeric, no gauge registered", "variable", variable, "sample", entry.Sample)
			continue
		}

		name := Normalize(variable)
		if other, dup := owners[name]; dup {
			return fail(&RegistrationError{Name: name, Variable: variable, Err: fmt.Errorf("name already used by %q", other)})
		}
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: entry.Description})
		if err := reg.Register(g); err != nil {
			return fail(&RegistrationError{Name: name, Variable: variable, Err: err})
		}
		registered = append(registered, g)
		r.basic[variable] = basicGauge{name: name, gauge: g}
		owners[name] = variable
		logger.Debug("Gauge registered", "gauge", name)
	}

	return r, nil
}

// Count returns the number of gauges, counting each status gauge once
// regardless of its number of states.
func (r *Registry) Count() int {
	return len(r.basic) + len(r.labeled)
}

// BasicCount returns the number of plain numeric gauges.
func (r *Registry) BasicCount() int {
	return len(r.basic)
}

// Names returns the exported metric names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.Count())
	for _, b := range r.basic {
		names = append(names, b.name)
	}
	for _, l := range r.labeled {
		names = append(names, l.name)
	}
	slices.Sort(names)
	return names
}

// parseFloat converts a NUT value string to a finite float64.
// Returns (0, false) for empty, unparseable, NaN or infinite values.
func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
