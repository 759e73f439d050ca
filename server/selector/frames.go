package selector

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/securewatch/securewatch/server/models"
)

// Zone is a coarse region of the camera view, computed from a normalized
// bounding-box center. The y bands (near camera vs far background) take
// precedence over the x bands.
type Zone string

const (
	ZoneEntry      Zone = "entry"
	ZoneBackground Zone = "background"
	ZoneLeft       Zone = "left"
	ZoneRight      Zone = "right"
	ZoneCenter     Zone = "center"
	ZoneUnknown    Zone = "unknown"
)

var zoneLabels = map[Zone]string{
	ZoneEntry:      "near-camera entry area",
	ZoneBackground: "far background",
	ZoneLeft:       "left side of frame",
	ZoneRight:      "right side of frame",
	ZoneCenter:     "center of frame",
	ZoneUnknown:    "unknown area",
}

func (z Zone) Label() string {
	if label, ok := zoneLabels[z]; ok {
		return label
	}
	return zoneLabels[ZoneUnknown]
}

func zoneOf(p models.Point) Zone {
	switch {
	case p.Y >= 0.7:
		return ZoneEntry
	case p.Y <= 0.3:
		return ZoneBackground
	case p.X < 0.33:
		return ZoneLeft
	case p.X > 0.67:
		return ZoneRight
	default:
		return ZoneCenter
	}
}

type FrameConfig struct {
	// Budget caps the number of frames handed to the model. Never exceeded.
	Budget int

	// SubjectClass is the tracked class whose movement drives zone
	// transitions, dwell, and anomaly detection.
	SubjectClass string

	// DwellThreshold flags loitering: a continuous stay in one zone at least
	// this long.
	DwellThreshold time.Duration

	// MovementThreshold is the minimum normalized displacement magnitude for
	// a vector to count as significant movement. Reversals between
	// sub-threshold vectors are jitter, not anomalies.
	MovementThreshold float64
}

func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		Budget:            8,
		SubjectClass:      "person",
		DwellThreshold:    3 * time.Second,
		MovementThreshold: 0.05,
	}
}

func (c FrameConfig) withDefaults() FrameConfig {
	def := DefaultFrameConfig()
	if c.Budget <= 0 {
		c.Budget = def.Budget
	}
	if c.SubjectClass == "" {
		c.SubjectClass = def.SubjectClass
	}
	if c.DwellThreshold <= 0 {
		c.DwellThreshold = def.DwellThreshold
	}
	if c.MovementThreshold <= 0 {
		c.MovementThreshold = def.MovementThreshold
	}
	return c
}

// SelectedFrame is one chosen frame plus the context the model prompt needs.
// Movement is the displacement from the previously selected frame, not the
// previous raw frame.
type SelectedFrame struct {
	Detection    models.Detection `json:"detection"`
	RelativeTime time.Duration    `json:"relative_time"`
	Sequence     string           `json:"sequence"`
	Zone         Zone             `json:"zone"`
	ZoneLabel    string           `json:"zone_label"`
	Movement     models.Point     `json:"movement"`
	Reason       string           `json:"reason"`
}

// Selection is the frame selector's output: the chosen frames in
// chronological order and the synthesized narrative. The narrative text feeds
// the downstream model prompt verbatim, so its phrasing is part of the
// external contract.
type Selection struct {
	Frames    []SelectedFrame `json:"frames"`
	Narrative string          `json:"narrative"`
}

// track holds the per-frame movement analysis for the subject class.
type track struct {
	indices []int // indices into the sorted frame slice
	zones   []Zone

	transitions []int       // frame indices where the zone changed
	dwells      []dwellRun  // stays meeting the dwell threshold
	anomalies   []int       // frame indices at direction reversals
}

type dwellRun struct {
	zone     Zone
	duration time.Duration
	frameIdx int // representative frame: last of the run
}

// SelectFrames picks at most Budget frames that tell the episode's story:
// entry, exit, peak, zone transitions, dwell, movement anomalies, then evenly
// spaced fill. Each category consumes remaining budget before the next; a
// frame is never selected twice.
func SelectFrames(frames []models.Detection, cfg FrameConfig) Selection {
	cfg = cfg.withDefaults()
	if len(frames) == 0 {
		return Selection{}
	}

	sorted := make([]models.Detection, len(frames))
	copy(sorted, frames)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	tr := analyzeTrack(sorted, cfg)

	reasons := make(map[int]string)
	order := make([]int, 0, cfg.Budget)
	take := func(idx, limit int, reason string) bool {
		if len(order) >= limit {
			return false
		}
		if _, dup := reasons[idx]; dup {
			return true
		}
		reasons[idx] = reason
		order = append(order, idx)
		return true
	}

	take(0, cfg.Budget, "entry")
	if last := len(sorted) - 1; last != 0 {
		take(last, cfg.Budget, "exit")
	}

	if peak := peakFrame(sorted); peak >= 0 {
		take(peak, cfg.Budget, "peak")
	}
	for _, idx := range tr.transitions {
		if !take(idx, cfg.Budget, "zone-transition") {
			break
		}
	}
	for _, run := range tr.dwells {
		if !take(run.frameIdx, cfg.Budget, "dwell") {
			break
		}
	}
	for _, idx := range tr.anomalies {
		if !take(idx, cfg.Budget, "anomaly") {
			break
		}
	}
	fillEvenly(sorted, reasons, &order, cfg.Budget)

	sort.Ints(order)
	selected := enrich(sorted, order, reasons)

	return Selection{
		Frames:    selected,
		Narrative: narrative(sorted, tr),
	}
}

// analyzeTrack computes zones, transitions, dwell runs, and movement
// anomalies for the subject class. Episodes without any subject frames fall
// back to every frame that carries a bbox, so vehicle-only activity still
// gets zone context.
func analyzeTrack(frames []models.Detection, cfg FrameConfig) track {
	var tr track
	for i, f := range frames {
		if f.HasBBox && strings.EqualFold(f.Label, cfg.SubjectClass) {
			tr.indices = append(tr.indices, i)
		}
	}
	if len(tr.indices) == 0 {
		for i, f := range frames {
			if f.HasBBox {
				tr.indices = append(tr.indices, i)
			}
		}
	}

	tr.zones = make([]Zone, len(tr.indices))
	for k, idx := range tr.indices {
		tr.zones[k] = zoneOf(frames[idx].BBox.Center())
	}

	// Zone transitions: the zone differs from the previous subject frame.
	for k := 1; k < len(tr.indices); k++ {
		if tr.zones[k] != tr.zones[k-1] {
			tr.transitions = append(tr.transitions, tr.indices[k])
		}
	}

	// Dwell runs: consecutive subject frames in one zone spanning the
	// threshold.
	runStart := 0
	for k := 1; k <= len(tr.indices); k++ {
		if k < len(tr.indices) && tr.zones[k] == tr.zones[runStart] {
			continue
		}
		first, last := tr.indices[runStart], tr.indices[k-1]
		span := frames[last].Timestamp.Sub(frames[first].Timestamp)
		if span >= cfg.DwellThreshold {
			tr.dwells = append(tr.dwells, dwellRun{
				zone:     tr.zones[runStart],
				duration: span,
				frameIdx: last,
			})
		}
		runStart = k
	}

	// Anomalies: direction reversal between consecutive displacement vectors,
	// both above the significant-movement magnitude.
	for k := 2; k < len(tr.indices); k++ {
		a := frames[tr.indices[k-2]].BBox.Center()
		b := frames[tr.indices[k-1]].BBox.Center()
		c := frames[tr.indices[k]].BBox.Center()
		v1 := models.Point{X: b.X - a.X, Y: b.Y - a.Y}
		v2 := models.Point{X: c.X - b.X, Y: c.Y - b.Y}
		if magnitude(v1) < cfg.MovementThreshold || magnitude(v2) < cfg.MovementThreshold {
			continue
		}
		if v1.X*v2.X+v1.Y*v2.Y < 0 {
			tr.anomalies = append(tr.anomalies, tr.indices[k])
		}
	}

	return tr
}

func magnitude(p models.Point) float64 {
	return math.Hypot(p.X, p.Y)
}

func peakFrame(frames []models.Detection) int {
	best := -1
	for i, f := range frames {
		if best < 0 || f.Confidence > frames[best].Confidence {
			best = i
		}
	}
	return best
}

// fillEvenly spends leftover budget on evenly spaced unselected frames.
func fillEvenly(frames []models.Detection, reasons map[int]string, order *[]int, budget int) {
	remaining := budget - len(*order)
	if remaining <= 0 {
		return
	}

	var pool []int
	for i := range frames {
		if _, taken := reasons[i]; !taken {
			pool = append(pool, i)
		}
	}
	if len(pool) == 0 {
		return
	}
	if remaining > len(pool) {
		remaining = len(pool)
	}

	for k := 0; k < remaining; k++ {
		idx := pool[k*len(pool)/remaining]
		if _, taken := reasons[idx]; taken {
			continue
		}
		reasons[idx] = "fill"
		*order = append(*order, idx)
	}
}

func enrich(frames []models.Detection, order []int, reasons map[int]string) []SelectedFrame {
	entry := frames[0].Timestamp
	out := make([]SelectedFrame, 0, len(order))

	var prev *models.Detection
	for k, idx := range order {
		f := frames[idx]
		zone := ZoneUnknown
		if f.HasBBox {
			zone = zoneOf(f.BBox.Center())
		}

		var movement models.Point
		if prev != nil && prev.HasBBox && f.HasBBox {
			pc, fc := prev.BBox.Center(), f.BBox.Center()
			movement = models.Point{X: fc.X - pc.X, Y: fc.Y - pc.Y}
		}

		out = append(out, SelectedFrame{
			Detection:    f,
			RelativeTime: f.Timestamp.Sub(entry),
			Sequence:     fmt.Sprintf("%d of %d", k+1, len(order)),
			Zone:         zone,
			ZoneLabel:    zone.Label(),
			Movement:     movement,
			Reason:       reasons[idx],
		})
		prev = &frames[idx]
	}
	return out
}

// narrative synthesizes one sentence per observed factor. The concatenated
// text is injected into the model prompt as-is.
func narrative(frames []models.Detection, tr track) string {
	var sentences []string

	if len(tr.zones) > 0 {
		sentences = append(sentences,
			fmt.Sprintf("Subject entered in the %s.", tr.zones[0].Label()))
	}

	path := compressZones(tr.zones)
	if len(path) > 1 {
		labels := make([]string, len(path))
		for i, z := range path {
			labels[i] = z.Label()
		}
		sentences = append(sentences,
			fmt.Sprintf("Moved through: %s.", strings.Join(labels, ", then ")))
	} else if len(path) == 1 {
		sentences = append(sentences,
			fmt.Sprintf("Remained stationary in the %s.", path[0].Label()))
	}

	for _, run := range tr.dwells {
		sentences = append(sentences,
			fmt.Sprintf("Lingered in the %s for %.1f seconds.", run.zone.Label(), run.duration.Seconds()))
	}

	if n := len(tr.anomalies); n == 1 {
		sentences = append(sentences, "Reversed direction once.")
	} else if n > 1 {
		sentences = append(sentences, fmt.Sprintf("Reversed direction %d times.", n))
	}

	if len(tr.zones) > 1 {
		sentences = append(sentences,
			fmt.Sprintf("Subject exited via the %s.", tr.zones[len(tr.zones)-1].Label()))
	}

	total := frames[len(frames)-1].Timestamp.Sub(frames[0].Timestamp)
	sentences = append(sentences,
		fmt.Sprintf("Total duration: %.1f seconds.", total.Seconds()))

	return strings.Join(sentences, " ")
}

// compressZones collapses consecutive duplicates into the visited-zone path.
func compressZones(zones []Zone) []Zone {
	var path []Zone
	for _, z := range zones {
		if len(path) == 0 || path[len(path)-1] != z {
			path = append(path, z)
		}
	}
	return path
}
