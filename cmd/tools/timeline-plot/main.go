// Command timeline-plot renders the measurement timestamps and sync points of
// a recorded fusion run to a PNG.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/banshee-data/sensorfusion/internal/fusiondb"
)

func main() {
	dbPath := flag.String("db", "sensor_fusion.db", "Path to the fusion recording database")
	runID := flag.String("run", "", "Run to plot (default: latest)")
	out := flag.String("out", "", "Output PNG (default: timeline-<run>.png)")
	streams := flag.String("streams", "", "Comma-separated streams to include (default: all)")
	width := flag.Float64("width", 14, "Image width in inches")
	height := flag.Float64("height", 6, "Image height in inches")
	flag.Parse()

	db, err := fusiondb.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	run, err := resolveRun(db, *runID)
	if err != nil {
		log.Fatalf("failed to find run: %v", err)
	}
	if *out == "" {
		*out = fmt.Sprintf("timeline-%s.png", run.ID)
	}

	var filter []string
	if *streams != "" {
		filter = strings.Split(*streams, ",")
	}
	n, err := plotRun(db, run, filter, *out, *width, *height)
	if err != nil {
		log.Fatalf("failed to plot run %s: %v", run.ID, err)
	}
	log.Printf("plotted %d measurements of run %s to %s", n, run.ID, *out)
}

func resolveRun(db *fusiondb.DB, id string) (fusiondb.Run, error) {
	if id == "" {
		return db.LatestRun()
	}
	runs, err := db.Runs()
	if err != nil {
		return fusiondb.Run{}, err
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return fusiondb.Run{}, fmt.Errorf("%w: %s", fusiondb.ErrUnknownRun, id)
}
