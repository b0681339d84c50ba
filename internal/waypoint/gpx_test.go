package waypoint

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="chartplotter" xmlns="http://www.topografix.com/GPX/1/1">
  <wpt lat="37.7749" lon="-122.4194"><name>Alpha</name><sym>Flag</sym></wpt>
  <wpt lat="51.5" lon="-0.12"><name>Bravo</name></wpt>
  <wpt lat="95" lon="0"><name>Broken</name></wpt>
  <wpt lat="1" lon="1"></wpt>
  <wpt lat="abc" lon="1"><name>Junk</name></wpt>
</gpx>`

func TestReadGPX(t *testing.T) {
	points, skipped, err := ReadGPX(strings.NewReader(sampleGPX))
	if err != nil {
		t.Fatalf("ReadGPX() error = %v", err)
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
	want := []Point{
		{Name: "Alpha", Latitude: 37.7749, Longitude: -122.4194},
		{Name: "Bravo", Latitude: 51.5, Longitude: -0.12},
	}
	if len(points) != len(want) {
		t.Fatalf("points = %+v, want %+v", points, want)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("points[%d] = %+v, want %+v", i, points[i], want[i])
		}
	}
}

func TestReadGPX_Invalid(t *testing.T) {
	_, _, err := ReadGPX(strings.NewReader("waypoints, not xml"))
	if !errors.Is(err, ErrInvalidGPX) {
		t.Errorf("ReadGPX() error = %v, want ErrInvalidGPX", err)
	}
}

func TestWriteGPX_ReadBack(t *testing.T) {
	records := []Record{
		{ID: 1000, Name: "Alpha", Latitude: 37.7749, Longitude: -122.4194},
		{ID: 1001, Name: "Fish & Chips", Latitude: -33.8568, Longitude: 151.2153},
	}

	var buf bytes.Buffer
	if err := WriteGPX(&buf, records); err != nil {
		t.Fatalf("WriteGPX() error = %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "<?xml") || !strings.Contains(out, `version="1.1"`) {
		t.Errorf("unexpected document header:\n%s", out)
	}
	if !strings.Contains(out, `lat="37.7749000"`) {
		t.Errorf("latitude not written at 1e-7 precision:\n%s", out)
	}
	if !strings.Contains(out, `<id xmlns="`+extNamespace+`">1001</id>`) {
		t.Errorf("record id not written to extensions:\n%s", out)
	}

	points, skipped, err := ReadGPX(&buf)
	if err != nil || skipped != 0 {
		t.Fatalf("ReadGPX() = skipped %d, err %v", skipped, err)
	}
	for i, p := range points {
		r := records[i]
		if p.ID != r.ID || p.Name != r.Name || p.Latitude != r.Latitude || p.Longitude != r.Longitude {
			t.Errorf("point %d = %+v, want %+v", i, p, r)
		}
	}
}

func TestReadGPX_RecordIDs(t *testing.T) {
	doc := `<gpx version="1.1" xmlns="http://www.topografix.com/GPX/1/1">
  <wpt lat="1" lon="1"><name>Owned</name><extensions><id xmlns="` + extNamespace + `">1002</id></extensions></wpt>
  <wpt lat="2" lon="2"><name>Foreign</name><extensions><id xmlns="urn:other">1003</id></extensions></wpt>
  <wpt lat="3" lon="3"><name>Garbled</name><extensions><id xmlns="` + extNamespace + `">70000</id></extensions></wpt>
  <wpt lat="4" lon="4"><name>Plain</name></wpt>
</gpx>`

	points, skipped, err := ReadGPX(strings.NewReader(doc))
	if err != nil || skipped != 0 {
		t.Fatalf("ReadGPX() = skipped %d, err %v", skipped, err)
	}
	want := []uint16{1002, 0, 0, 0}
	if len(points) != len(want) {
		t.Fatalf("points = %+v", points)
	}
	for i, id := range want {
		if points[i].ID != id {
			t.Errorf("%s id = %d, want %d", points[i].Name, points[i].ID, id)
		}
	}
}
