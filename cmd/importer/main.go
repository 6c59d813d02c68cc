// Package main converts a directory of single-plane TIFF files into a
// PlaneView zarr store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/planeview/server/internal/data/memstore"
	"github.com/planeview/server/internal/data/zarr"
	"github.com/planeview/server/internal/importer"
	"github.com/planeview/server/internal/pixels"
)

func main() {
	in := flag.String("in", "", "Directory of *_c<C>_z<Z>_t<T>.tif planes")
	out := flag.String("out", "", "Output zarr store directory")
	name := flag.String("name", "", "Image name written to metadata.json")
	channels := flag.String("channels", "", "Comma separated channel names")
	sizeX := flag.Float64("pixel-size-x", 0, "Physical pixel width in micrometres")
	sizeY := flag.Float64("pixel-size-y", 0, "Physical pixel height in micrometres")
	sizeZ := flag.Float64("pixel-size-z", 0, "Section spacing in micrometres")
	bigEndian := flag.Bool("big-endian", false, "Store samples big-endian")
	level := flag.Int("level", 3, "zstd compression level")
	dryRun := flag.Bool("dry-run", false, "Read every plane and report channel ranges without writing")
	flag.Parse()

	if *in == "" || (*out == "" && !*dryRun) {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := importer.Open(*in, nil)
	if err != nil {
		log.Fatalf("Failed to scan %s: %v", *in, err)
	}
	dims := src.Dimensions
	dims.PixelSizeX, dims.PixelSizeY, dims.PixelSizeZ = *sizeX, *sizeY, *sizeZ

	if *dryRun {
		if err := report(ctx, src, dims); err != nil {
			log.Fatalf("Dry run failed: %v", err)
		}
		return
	}

	var names []string
	if *channels != "" {
		names = strings.Split(*channels, ",")
	}
	w, err := zarr.Create(*out, zarr.Metadata{
		Name:         *name,
		PixelType:    src.PixelType,
		Dimensions:   dims,
		ChannelNames: names,
	}, zarr.WriterOptions{BigEndian: *bigEndian, Level: *level})
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	if err := src.Each(ctx, w.WritePlane); err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Fatalf("Failed to write metadata: %v", err)
	}
	log.Printf("Wrote %d planes to %s", len(src.Files), *out)
}

// report loads the series into memory and logs each channel's range.
func report(ctx context.Context, src *importer.Source, dims pixels.Dimensions) error {
	store := memstore.New(dims, src.PixelType)
	err := src.Each(ctx, func(c, z, t int, data []byte) error {
		p, err := pixels.NewPlane(src.PixelType, dims.SizeX, dims.SizeY, data)
		if err != nil {
			return err
		}
		return store.SetPlane(c, z, t, p.Values())
	})
	if err != nil {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return err
	}
	stats := store.Stats()
	for c := 0; c < dims.SizeC; c++ {
		log.Printf("  channel %d: [%g, %g]", c, stats.GlobalMin(c), stats.GlobalMax(c))
	}
	return nil
}
