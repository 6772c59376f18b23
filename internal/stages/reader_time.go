package stages

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"meshflow/internal/cfio"
	"meshflow/pkg/calendar"
	"meshflow/pkg/errors"
	"meshflow/pkg/pool"
	"meshflow/pkg/vararray"
)

// buildTimeAxis assembles the global time axis and the per-file step-count
// vector by one of four strategies: user values, a filename template, the
// files' own time variables, or a synthetic monotonic axis.
func (r *CFReader) buildTimeAxis(root string, files []string, first cfio.DataFile) (vararray.Array, []int, string, string) {
	props := r.Properties()

	if vals := props.GetFloatList("t_values"); len(vals) > 0 {
		return r.timeAxisFromValues(files, vals)
	}
	if tmpl := props.GetString("filename_time_template"); tmpl != "" {
		return r.timeAxisFromTemplate(files, tmpl)
	}
	if tvar := props.GetString("t_axis_variable"); tvar != "" {
		return r.timeAxisFromFiles(root, files, tvar)
	}

	// Synthetic axis: one step per file. There are no units to convert or
	// resolve dates against.
	axis := vararray.New(vararray.Float64, len(files))
	steps := make([]int, len(files))
	for i := range files {
		axis.SetFloat64At(i, float64(i))
		steps[i] = 1
	}
	return axis, steps, "", ""
}

// timeAxisFromValues uses one user-supplied value per file.
func (r *CFReader) timeAxisFromValues(files []string, vals []float64) (vararray.Array, []int, string, string) {
	if len(vals) != len(files) {
		errors.Newf(errors.KindConfig, r.Name(), "time_axis",
			"t_values has %d entries for %d files", len(vals), len(files)).Emit(r.Logger())
		return nil, nil, "", ""
	}
	units := r.Properties().GetString("t_units")
	if units == "" {
		errors.New(errors.KindConfig, r.Name(), "time_axis",
			"t_units is required with t_values").Emit(r.Logger())
		return nil, nil, "", ""
	}
	if _, err := calendar.ParseUnits(units); err != nil {
		errors.New(errors.KindConfig, r.Name(), "time_axis", "bad t_units").
			Wrap(err).Emit(r.Logger())
		return nil, nil, "", ""
	}
	steps := make([]int, len(files))
	for i := range steps {
		steps[i] = 1
	}
	return vararray.NewFloat64(vals...), steps, units, r.calendarOr("")
}

// timeAxisFromTemplate infers one date per file from its name using a
// template with %Y %m %d %H placeholders.
func (r *CFReader) timeAxisFromTemplate(files []string, tmpl string) (vararray.Array, []int, string, string) {
	unitsStr := r.Properties().GetString("t_units")
	if unitsStr == "" {
		errors.New(errors.KindConfig, r.Name(), "time_axis",
			"t_units is required with filename_time_template").Emit(r.Logger())
		return nil, nil, "", ""
	}
	units, err := calendar.ParseUnits(unitsStr)
	if err != nil {
		errors.New(errors.KindConfig, r.Name(), "time_axis", "bad t_units").
			Wrap(err).Emit(r.Logger())
		return nil, nil, "", ""
	}
	calName := r.calendarOr("")
	cal, err := calendar.Parse(calName)
	if err != nil {
		errors.New(errors.KindConfig, r.Name(), "time_axis", "bad calendar").
			Wrap(err).Emit(r.Logger())
		return nil, nil, "", ""
	}

	re, order, err := templateRegexp(tmpl)
	if err != nil {
		errors.New(errors.KindConfig, r.Name(), "time_axis", "bad filename_time_template").
			Wrap(err).Emit(r.Logger())
		return nil, nil, "", ""
	}

	axis := vararray.New(vararray.Float64, len(files))
	steps := make([]int, len(files))
	for i, name := range files {
		m := re.FindStringSubmatch(name)
		if m == nil {
			errors.Newf(errors.KindSemantic, r.Name(), "time_axis",
				"file name %q does not match template %q", name, tmpl).Emit(r.Logger())
			return nil, nil, "", ""
		}
		d := calendar.DateTime{Month: 1, Day: 1}
		for j, field := range order {
			v, _ := strconv.Atoi(m[j+1])
			switch field {
			case 'Y':
				d.Year = v
			case 'm':
				d.Month = v
			case 'd':
				d.Day = v
			case 'H':
				d.Hour = v
			}
		}
		off, err := calendar.Offset(d, units, cal)
		if err != nil {
			errors.Newf(errors.KindSemantic, r.Name(), "time_axis",
				"file name %q yields an invalid date", name).Wrap(err).Emit(r.Logger())
			return nil, nil, "", ""
		}
		axis.SetFloat64At(i, off)
		steps[i] = 1
	}
	return axis, steps, unitsStr, calName
}

// templateRegexp compiles a date template to a regexp with one capture
// group per placeholder, returned in template order.
func templateRegexp(tmpl string) (*regexp.Regexp, []byte, error) {
	var b strings.Builder
	var order []byte
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '%' && i+1 < len(tmpl) {
			switch tmpl[i+1] {
			case 'Y':
				b.WriteString(`(\d{4})`)
				order = append(order, 'Y')
				i++
				continue
			case 'm', 'd', 'H':
				b.WriteString(`(\d{1,2})`)
				order = append(order, tmpl[i+1])
				i++
				continue
			}
		}
		b.WriteString(regexp.QuoteMeta(tmpl[i : i+1]))
	}
	re, err := regexp.Compile("^" + b.String() + "$")
	return re, order, err
}

type fileTimes struct {
	vals     []float64
	units    string
	calendar string
}

// timeAxisFromFiles opens every file on the reader's thread pool, reads the
// time variable and converts each file's offsets to the base units. All
// files must share one calendar: the base's.
func (r *CFReader) timeAxisFromFiles(root string, files []string, tvar string) (vararray.Array, []int, string, string) {
	p := pool.New(int(r.Properties().GetInt("thread_pool_size")), r.Logger())
	p.Start()
	defer p.Stop()

	futures := make([]*pool.Future, len(files))
	for i, name := range files {
		path := filepath.Join(root, name)
		fut, err := p.Submit(func(ctx context.Context) (interface{}, error) {
			return readFileTimes(r.provider, path, tvar)
		})
		if err != nil {
			errors.New(errors.KindResource, r.Name(), "time_axis",
				"time axis scan submission failed").Wrap(err).Emit(r.Logger())
			return nil, nil, "", ""
		}
		futures[i] = fut
	}

	results, errs := pool.WaitAll(context.Background(), futures)
	perFile := make([]*fileTimes, len(files))
	for i := range results {
		if errs[i] != nil {
			errors.Newf(errors.KindIO, r.Name(), "time_axis",
				"scanning %q failed", files[i]).Wrap(errs[i]).Emit(r.Logger())
			return nil, nil, "", ""
		}
		perFile[i] = results[i].(*fileTimes)
	}

	baseUnits := r.Properties().GetString("t_units")
	if baseUnits == "" {
		baseUnits = perFile[0].units
	}
	baseCal := r.calendarOr(perFile[0].calendar)
	to, err := calendar.ParseUnits(baseUnits)
	if err != nil {
		errors.New(errors.KindSemantic, r.Name(), "time_axis",
			"time variable has unusable units").Wrap(err).Emit(r.Logger())
		return nil, nil, "", ""
	}
	cal, err := calendar.Parse(baseCal)
	if err != nil {
		errors.New(errors.KindSemantic, r.Name(), "time_axis", "bad calendar").
			Wrap(err).Emit(r.Logger())
		return nil, nil, "", ""
	}

	axis := vararray.New(vararray.Float64, 0)
	steps := make([]int, len(files))
	for i, ft := range perFile {
		// A file without a calendar attribute inherits the base calendar;
		// a file naming a different one is a semantic error.
		if ft.calendar != "" && !calendar.Same(ft.calendar, baseCal) {
			errors.Newf(errors.KindSemantic, r.Name(), "time_axis",
				"calendar %q in %q disagrees with the base calendar %q",
				ft.calendar, files[i], baseCal).Emit(r.Logger())
			return nil, nil, "", ""
		}
		vals := ft.vals
		if ft.units != baseUnits {
			from, err := calendar.ParseUnits(ft.units)
			if err != nil {
				errors.Newf(errors.KindSemantic, r.Name(), "time_axis",
					"units %q in %q are unusable", ft.units, files[i]).Wrap(err).Emit(r.Logger())
				return nil, nil, "", ""
			}
			conv := make([]float64, len(vals))
			for j, v := range vals {
				cv, err := calendar.Convert(v, from, to, cal)
				if err != nil {
					errors.Newf(errors.KindSemantic, r.Name(), "time_axis",
						"unit conversion failed for %q", files[i]).Wrap(err).Emit(r.Logger())
					return nil, nil, "", ""
				}
				conv[j] = cv
			}
			vals = conv
		}
		for _, v := range vals {
			axis.AppendFloat64(v)
		}
		steps[i] = len(vals)
	}
	return axis, steps, baseUnits, baseCal
}

// calendarOr returns the calendar property when set, else fallback.
func (r *CFReader) calendarOr(fallback string) string {
	if c := r.Properties().GetString("calendar"); c != "" {
		return c
	}
	if fallback == "" {
		return string(calendar.Standard)
	}
	return fallback
}

// readFileTimes reads one file's time values and time attributes.
func readFileTimes(provider cfio.Provider, path, tvar string) (*fileTimes, error) {
	f, err := provider.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, ok := f.Variable(tvar)
	if !ok {
		return nil, errors.Newf(errors.KindSemantic, "cf_reader", "time_axis",
			"no time variable %q in %q", tvar, path)
	}
	if len(v.Dims) != 1 {
		return nil, errors.Newf(errors.KindSemantic, "cf_reader", "time_axis",
			"time variable %q in %q is not one dimensional", tvar, path)
	}
	n := 0
	for _, d := range f.Dimensions() {
		if d.Name == v.Dims[0] {
			n = d.Len
		}
	}
	a, err := f.ReadSlab(tvar, []int{0}, []int{n})
	if err != nil {
		return nil, err
	}
	ft := &fileTimes{vals: vararray.Float64s(a)}
	if u, ok := v.Atts.GetString("units"); ok {
		ft.units = u
	}
	if c, ok := v.Atts.GetString("calendar"); ok {
		ft.calendar = c
	}
	return ft, nil
}
