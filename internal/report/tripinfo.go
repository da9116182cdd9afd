package report

import (
	"encoding/xml"
	"fmt"
	"os"
)

type tripInfoFile struct {
	XMLName xml.Name `xml:"tripinfos"`
	Trips   []struct {
		ID       string  `xml:"id,attr"`
		Duration float64 `xml:"duration,attr"`
	} `xml:"tripinfo"`
}

// MeanTravelTime reads a SUMO tripinfo output file and averages the
// trip durations of every vehicle that completed its route. A file
// without finished trips yields zero, not an error: early episodes
// routinely end before any vehicle arrives.
func MeanTravelTime(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tripinfo: %w", err)
	}
	var f tripInfoFile
	if err := xml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse tripinfo: %w", err)
	}
	if len(f.Trips) == 0 {
		return 0, nil
	}
	var sum float64
	for _, t := range f.Trips {
		sum += t.Duration
	}
	return sum / float64(len(f.Trips)), nil
}
