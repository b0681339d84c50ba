package waypoint

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	gpxNamespace = "http://www.topografix.com/GPX/1/1"

	// extNamespace qualifies the record id written into <extensions>.
	extNamespace = "https://github.com/nerrad567/waypoint-sync/gpx/1"
)

// Point is a waypoint read from a GPX document. ID is the record id found
// in the waypoint's extensions, or 0 when the document carries none.
type Point struct {
	ID        uint16
	Name      string
	Latitude  float64
	Longitude float64
}

type gpxDoc struct {
	XMLName   xml.Name `xml:"gpx"`
	Version   string   `xml:"version,attr,omitempty"`
	Creator   string   `xml:"creator,attr,omitempty"`
	Xmlns     string   `xml:"xmlns,attr,omitempty"`
	Waypoints []gpxWpt `xml:"wpt"`
}

type gpxWpt struct {
	Lat        string         `xml:"lat,attr"`
	Lon        string         `xml:"lon,attr"`
	Name       string         `xml:"name,omitempty"`
	Extensions *gpxExtensions `xml:"extensions,omitempty"`
}

type gpxExtensions struct {
	ID string `xml:"https://github.com/nerrad567/waypoint-sync/gpx/1 id,omitempty"`
}

func (w gpxWpt) recordID() uint16 {
	if w.Extensions == nil || w.Extensions.ID == "" {
		return 0
	}
	id, err := strconv.ParseUint(strings.TrimSpace(w.Extensions.ID), 10, 16)
	if err != nil {
		return 0
	}
	return uint16(id)
}

// ReadGPX decodes the <wpt> elements of a GPX 1.0/1.1 document.
// Waypoints without a name or with unparsable coordinates are skipped and
// reported in the skipped count.
func ReadGPX(r io.Reader) (points []Point, skipped int, err error) {
	var doc gpxDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidGPX, err)
	}

	for _, w := range doc.Waypoints {
		lat, latErr := strconv.ParseFloat(w.Lat, 64)
		lon, lonErr := strconv.ParseFloat(w.Lon, 64)
		if latErr != nil || lonErr != nil || w.Name == "" {
			skipped++
			continue
		}
		if ValidateCoordinates(lat, lon) != nil || ValidateName(w.Name) != nil {
			skipped++
			continue
		}
		points = append(points, Point{ID: w.recordID(), Name: w.Name, Latitude: lat, Longitude: lon})
	}
	return points, skipped, nil
}

// WriteGPX encodes records as a GPX 1.1 document. Each waypoint carries
// its record id in <extensions> so a later import can match it by id.
func WriteGPX(w io.Writer, records []Record) error {
	doc := gpxDoc{
		Version: "1.1",
		Creator: "waypointsync",
		Xmlns:   gpxNamespace,
	}
	for _, r := range records {
		doc.Waypoints = append(doc.Waypoints, gpxWpt{
			Lat:        strconv.FormatFloat(r.Latitude, 'f', 7, 64),
			Lon:        strconv.FormatFloat(r.Longitude, 'f', 7, 64),
			Name:       r.Name,
			Extensions: &gpxExtensions{ID: strconv.FormatUint(uint64(r.ID), 10)},
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("writing gpx header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding gpx: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("writing gpx: %w", err)
	}
	return nil
}
