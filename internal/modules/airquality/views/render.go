package views

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"strconv"
	"time"

	"github.com/thecoderpanda/ard-server/internal/modules/airquality/classify"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
)

//go:embed templates
var viewsFS embed.FS

var overviewTmpl *template.Template

var funcs = template.FuncMap{
	"num": func(v *float64) string {
		if v == nil {
			return "–"
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	},
	"iso": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return types.FormatTimestamp(t)
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
}

// loadTemplatesFromFS loads the page templates from the given fs and dir.
// Used by LoadTemplates and by tests to simulate failure scenarios.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	tmpl, err := template.New("").Funcs(funcs).ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	overviewTmpl = tmpl
	return nil
}

// LoadTemplates loads embedded templates. Call during startup before
// serving requests; if it returns an error, do not start the server.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

// DisplayReading is a reading with the category shown to users: the stored
// one when present, otherwise the one derived from its AQI value.
type DisplayReading struct {
	types.Reading
	Category classify.Category `json:"category"`
}

func NewDisplayReading(r types.Reading) DisplayReading {
	return DisplayReading{Reading: r, Category: classify.Resolve(r.AQICategory, r.AQIValue)}
}

func NewDisplayReadings(rs []types.Reading) []DisplayReading {
	out := make([]DisplayReading, 0, len(rs))
	for _, r := range rs {
		out = append(out, NewDisplayReading(r))
	}
	return out
}

type SensorCard struct {
	Sensor types.Sensor    `json:"sensor"`
	Latest *DisplayReading `json:"latest"`
}

func NewSensorCards(latest []types.SensorLatest) []SensorCard {
	out := make([]SensorCard, 0, len(latest))
	for _, l := range latest {
		card := SensorCard{Sensor: l.Sensor}
		if l.Latest != nil {
			d := NewDisplayReading(*l.Latest)
			card.Latest = &d
		}
		out = append(out, card)
	}
	return out
}

type OverviewData struct {
	Title   string
	Sensors []SensorCard
}

func RenderOverview(w io.Writer, data *OverviewData) error {
	if overviewTmpl == nil {
		return errors.New("overview template not loaded: call views.LoadTemplates during startup")
	}
	if data == nil {
		data = &OverviewData{}
	}
	if data.Title == "" {
		data.Title = "Overview"
	}
	return overviewTmpl.ExecuteTemplate(w, "index.html", data)
}
