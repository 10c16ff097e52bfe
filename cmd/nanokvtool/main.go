// Command nanokvtool is a small demo/inspection CLI for a NanoKV volume
// backed by a plain file, standing in for what would be a serial console
// command set on real hardware. It exists so the engine can be poked at
// interactively without writing a Go program, and so the geometry JSON
// sidecar format has a real consumer.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/nanokv/nanokv"
	"github.com/nanokv/nanokv/flash"
)

// geometryConfig is the on-disk shape of the .json sidecar describing a
// volume's layout. Plain encoding/json is used rather than a relaxed
// JSON-with-comments dialect: nothing about this config benefits from
// comments or trailing commas, so the extra dependency isn't earned —
// see DESIGN.md.
type geometryConfig struct {
	SectorSize  uint32 `json:"sector_size"`
	SectorCount uint8  `json:"sector_count"`
	Align       uint8  `json:"align"`
}

func loadGeometry(path string) (flash.Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return flash.Geometry{}, err
	}
	defer f.Close()

	var cfg geometryConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return flash.Geometry{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return flash.Geometry{SectorSize: cfg.SectorSize, SectorCount: cfg.SectorCount, Align: cfg.Align}, nil
}

type options struct {
	Image    string `short:"i" long:"image" description:"path to the flash image file" required:"true"`
	Geometry string `short:"g" long:"geometry" description:"path to a geometry JSON sidecar" required:"true"`

	Format struct{} `command:"format" description:"erase the image and write a fresh empty volume"`
	Usage  struct{} `command:"usage" description:"print sector ring occupancy"`

	Set struct {
		Key   string `positional-arg-name:"key" required:"true"`
		Value string `positional-arg-name:"value" required:"true"`
	} `command:"set" description:"write a key's value"`

	Get struct {
		Key string `positional-arg-name:"key" required:"true"`
	} `command:"get" description:"read a key's value"`

	Del struct {
		Key string `positional-arg-name:"key" required:"true"`
	} `command:"del" description:"delete a key"`

	GCStep struct {
		Steps int `long:"steps" default:"1" description:"number of GC migration quanta to run"`
	} `command:"gcstep" description:"run incremental GC migration quanta (--steps, default 1)"`

	Keys struct{} `command:"keys" description:"print every live key in sorted order"`

	Backup struct {
		Dir string `positional-arg-name:"dir" required:"true"`
	} `command:"backup" description:"append a full-image snapshot to a rotating archive directory"`

	Export struct {
		Path string `positional-arg-name:"path" required:"true"`
	} `command:"export" description:"write a read-optimized snapshot of the live keyspace"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	args, err := parser.Parse()
	if err != nil {
		os.Exit(1)
	}
	_ = args

	geom, err := loadGeometry(opts.Geometry)
	if err != nil {
		fatalf("load geometry: %v", err)
	}

	cmd := parser.Active
	if cmd == nil {
		fatalf("no command given")
	}

	if cmd.Name == "format" {
		dev, err := flash.OpenFileDevice(opts.Image, geom)
		if err != nil {
			fatalf("open image: %v", err)
		}
		defer dev.Close()
		if _, err := nanokv.Format(nanokv.Options{Device: dev, Geometry: geom}); err != nil {
			fatalf("format: %v", err)
		}
		fmt.Println("formatted", opts.Image)
		return
	}

	dev, err := flash.OpenFileDevice(opts.Image, geom)
	if err != nil {
		fatalf("open image: %v", err)
	}
	defer dev.Close()

	in, err := nanokv.New(nanokv.Options{Device: dev, Geometry: geom})
	if err != nil {
		fatalf("open volume: %v", err)
	}

	switch cmd.Name {
	case "usage":
		u, err := in.Usage()
		if err != nil {
			fatalf("usage: %v", err)
		}
		fmt.Printf("sectors: %d x %s (active #%d, %d free)\n",
			u.SectorCount, humanize.Bytes(uint64(u.SectorSize)), u.ActiveSector, u.FreeSectors)
		fmt.Printf("active sector fill: %s / %s\n",
			humanize.Bytes(uint64(u.BytesUsed)), humanize.Bytes(uint64(u.SectorSize)))

	case "set":
		if err := in.Set(opts.Set.Key, []byte(opts.Set.Value)); err != nil {
			fatalf("set: %v", err)
		}

	case "get":
		v, err := in.Get(opts.Get.Key)
		if err != nil {
			fatalf("get: %v", err)
		}
		fmt.Println(string(v))

	case "del":
		if err := in.Delete(opts.Del.Key); err != nil {
			fatalf("del: %v", err)
		}

	case "gcstep":
		active := in.GCStep(opts.GCStep.Steps)
		fmt.Println("gc active:", active)

	case "keys":
		for _, k := range in.Keys() {
			fmt.Println(k)
		}

	case "backup":
		if err := in.Backup(opts.Backup.Dir); err != nil {
			fatalf("backup: %v", err)
		}
		fmt.Println("backed up to", opts.Backup.Dir)

	case "export":
		if err := in.ExportSnapshot(opts.Export.Path); err != nil {
			fatalf("export: %v", err)
		}
		fmt.Println("exported to", opts.Export.Path)

	default:
		fatalf("unknown command %q", cmd.Name)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "nanokvtool: "+format+"\n", args...)
	os.Exit(1)
}
