// Package heatmap serves pre-gridded satellite columns ({lat, lon, value}
// triples) written by the offline TEMPO pipeline.
package heatmap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

// Layer names one heatmap file.
type Layer string

const (
	LayerNO2     Layer = "no2"
	LayerSO2     Layer = "so2"
	LayerO3      Layer = "o3"
	LayerHCHO    Layer = "hcho"
	LayerAerosol Layer = "aer"
)

// Layers lists every satellite product.
var Layers = []Layer{LayerNO2, LayerSO2, LayerO3, LayerHCHO, LayerAerosol}

// TrimFraction of the file's point count is cut from each end of the value
// distribution.
const TrimFraction = 0.05

var ErrUnknownLayer = errors.New("unknown satellite layer")

// ParseLayer accepts a layer name or a pollutant synonym of one.
func ParseLayer(s string) (Layer, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if l := Layer(name); slices.Contains(Layers, l) {
		return l, nil
	}
	if name == "aerosol" {
		return LayerAerosol, nil
	}
	p, ok := airquality.ParsePollutant(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownLayer, s)
	}
	switch p {
	case airquality.PollutantNO2:
		return LayerNO2, nil
	case airquality.PollutantSO2:
		return LayerSO2, nil
	case airquality.PollutantOzone:
		return LayerO3, nil
	case airquality.PollutantHCHO:
		return LayerHCHO, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLayer, s)
}

// Point is one grid cell.
type Point struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// Reader loads <dir>/<layer>_heatmap.json on every call.
type Reader struct {
	dir string
	log zerolog.Logger
}

func NewReader(dir string) *Reader {
	return &Reader{dir: dir, log: logging.Component("heatmap")}
}

// Path returns the file backing a layer.
func (r *Reader) Path(l Layer) string {
	return filepath.Join(r.dir, string(l)+"_heatmap.json")
}

// Points returns the cells of a layer inside box with outliers trimmed. A
// layer without a file yields no points.
func (r *Reader) Points(ctx context.Context, l Layer, box airquality.BBox) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(r.Path(l))
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Debug().Str("layer", string(l)).Msg("no heatmap file")
		return []Point{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open heatmap %s: %w", l, err)
	}
	defer f.Close()

	var all []Point
	if err := json.NewDecoder(f).DecodeContext(ctx, &all); err != nil {
		return nil, fmt.Errorf("decode heatmap %s: %w", l, err)
	}
	return Trim(InBox(all, box), len(all)), nil
}

// InBox keeps the points inside box, edges included, in file order.
func InBox(points []Point, box airquality.BBox) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if box.Contains(airquality.Coordinates{Lat: p.Lat, Lon: p.Lon}) {
			out = append(out, p)
		}
	}
	return out
}

// Trim drops outliers of the in-box points. The cut is TrimFraction of
// total, the size of the whole file, so small boxes over a large file are
// trimmed harder; when the cut reaches the in-box count nothing remains.
func Trim(points []Point, total int) []Point {
	k := int(float64(total) * TrimFraction)
	if k == 0 || len(points) == 0 {
		return points
	}
	if k >= len(points) {
		return []Point{}
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	slices.Sort(values)
	lo, hi := values[k], values[len(values)-k]

	out := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Value >= lo && p.Value <= hi {
			out = append(out, p)
		}
	}
	return out
}
