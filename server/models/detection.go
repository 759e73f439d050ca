package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawDetection is the wire shape detectors post to the ingest endpoint.
// Different detector generations disagree on field names (label vs class vs
// object_class) and on the bbox convention ([x1,y1,x2,y2] array vs {x,y,w,h}
// object), so this struct is deliberately tolerant. Normalize() resolves the
// aliases exactly once; nothing downstream should ever look at RawDetection.
type RawDetection struct {
	ID          string          `json:"id"`
	CameraID    string          `json:"camera_id"`
	FrameNumber int             `json:"frame_number"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Label       string          `json:"label"`
	Class       string          `json:"class"`
	ObjectClass string          `json:"object_class"`
	Confidence  float64         `json:"confidence"`
	BBox        json.RawMessage `json:"bbox"`
	TrackID     *int64          `json:"track_id"`
	ImageRef    string          `json:"image_ref"`
	Snapshot    string          `json:"snapshot_path"`
	ImagePath   string          `json:"image_path"`
	FrameDims   *FrameDims      `json:"frame_dimensions"`
}

type FrameDims struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BBox is the canonical corner representation. Coordinates are normalized to
// [0,1] when frame dimensions were known at ingestion.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (b BBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w < 0 || h < 0 {
		return 0
	}
	return w * h
}

func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Detection is the canonical immutable detection event used everywhere past
// the ingestion boundary.
type Detection struct {
	ID          string    `json:"id"`
	CameraID    string    `json:"camera_id"`
	FrameNumber int       `json:"frame_number"`
	Timestamp   time.Time `json:"timestamp"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	BBox        BBox      `json:"bbox"`
	HasBBox     bool      `json:"has_bbox"`
	TrackID     int64     `json:"track_id,omitempty"`
	HasTrackID  bool      `json:"has_track_id,omitempty"`
	ImageRef    string    `json:"image_ref,omitempty"`
}

// Normalize converts a raw detector payload into the canonical Detection.
// Malformed bboxes and missing labels degrade (HasBBox=false, empty label)
// rather than erroring; only a missing camera id or timestamp is fatal since
// nothing can be clustered without them.
func (r *RawDetection) Normalize() (Detection, error) {
	det := Detection{
		ID:          r.ID,
		CameraID:    r.CameraID,
		FrameNumber: r.FrameNumber,
		Confidence:  clamp01(r.Confidence),
		Label:       firstNonEmpty(r.Label, r.Class, r.ObjectClass),
		ImageRef:    firstNonEmpty(r.ImageRef, r.Snapshot, r.ImagePath),
	}

	if det.CameraID == "" {
		return det, fmt.Errorf("detection missing camera_id")
	}

	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return det, fmt.Errorf("detection timestamp: %w", err)
	}
	det.Timestamp = ts

	if r.TrackID != nil {
		det.TrackID = *r.TrackID
		det.HasTrackID = true
	}

	if bbox, ok := parseBBox(r.BBox); ok {
		if r.FrameDims != nil && r.FrameDims.Width > 0 && r.FrameDims.Height > 0 {
			bbox = bbox.scale(1/r.FrameDims.Width, 1/r.FrameDims.Height)
		}
		det.BBox = bbox
		det.HasBBox = true
	}

	if det.ID == "" {
		det.ID = fmt.Sprintf("%s-%d-%d", det.CameraID, det.Timestamp.UnixMilli(), det.FrameNumber)
	}

	return det, nil
}

func (b BBox) scale(sx, sy float64) BBox {
	return BBox{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// parseBBox accepts the two upstream conventions: [x1,y1,x2,y2] and
// {"x":..,"y":..,"w":..,"h":..} (width/height aliases included).
func parseBBox(raw json.RawMessage) (BBox, bool) {
	if len(raw) == 0 {
		return BBox{}, false
	}

	var arr []float64
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 4 {
			return BBox{}, false
		}
		box := BBox{X1: arr[0], Y1: arr[1], X2: arr[2], Y2: arr[3]}
		if box.X2 < box.X1 || box.Y2 < box.Y1 {
			return BBox{}, false
		}
		return box, true
	}

	var obj struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		W      *float64 `json:"w"`
		H      *float64 `json:"h"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return BBox{}, false
	}
	if obj.X == nil || obj.Y == nil {
		return BBox{}, false
	}
	w := coalesceFloat(obj.W, obj.Width)
	h := coalesceFloat(obj.H, obj.Height)
	if w < 0 || h < 0 {
		return BBox{}, false
	}
	return BBox{X1: *obj.X, Y1: *obj.Y, X2: *obj.X + w, Y2: *obj.Y + h}, true
}

// parseTimestamp accepts RFC3339 strings (what the Python engines emit) and
// numeric unix timestamps, with seconds vs milliseconds disambiguated by
// magnitude.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable time %q", s)
		}
		return ts.UTC(), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", strconv.Quote(string(raw)))
	}
	if n <= 0 {
		return time.Time{}, fmt.Errorf("non-positive timestamp %v", n)
	}
	// Values above ~year 2255 in seconds are assumed to be milliseconds.
	if n > 9e9 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func coalesceFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
