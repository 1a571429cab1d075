package pipeline

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"spare/internal/fit"
)

var resultsHeader = []string{
	"object_index", "object_id", "pixels", "fitted_pixels", "zchi2",
	"segmap_pixels", "zchi2_segmap", "confident", "within", "within_and_confident",
}

// WriteResults writes one CSV row per object. Missing redshifts are empty
// cells; confidence counts are empty when no confidence was computed.
func WriteResults(w io.Writer, results []fit.ObjectResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultsHeader); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			strconv.Itoa(r.ObjectIndex),
			strconv.FormatInt(r.ObjectID, 10),
			strconv.Itoa(r.Pixels),
			strconv.Itoa(r.FittedPixels),
			optFloat(r.ZChi2),
			strconv.Itoa(r.SegmapPixels),
			optFloat(r.ZChi2Segmap),
			"", "", "",
		}
		if r.HasConfidence {
			row[7] = strconv.Itoa(r.Confident)
			row[8] = strconv.Itoa(r.Within)
			row[9] = strconv.Itoa(r.WithinAndConfident)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteResultsFile is WriteResults into a new file at path.
func WriteResultsFile(path string, results []fit.ObjectResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteResults(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}
