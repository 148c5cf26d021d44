package main

import (
	"flag"
	"fmt"

	"github.com/chazu/dispatch/image"
)

// sampleImage is a small collection hierarchy with a category on its root,
// next to a separate root the category leaves alone.
func sampleImage() *image.Image {
	const imp = 0x4000_1000
	m := func(sel string, off uint64) image.MethodDef {
		return image.MethodDef{Selector: sel, Types: "@16@0:8", Imp: imp + off*0x20}
	}
	return &image.Image{
		Classes: []image.ClassDef{
			{
				Name:          "Object",
				Methods:       []image.MethodDef{m("init", 0), m("hash", 1), m("isEqual:", 2), m("description", 3), m("class", 4)},
				Protocols:     []string{"NSObject"},
				SortedMethods: true,
				InstanceSize:  8,
			},
			{
				Name:         "Collection",
				Superclass:   "Object",
				Methods:      []image.MethodDef{m("count", 10), m("isEmpty", 11), m("do:", 12)},
				Properties:   []image.PropertyDef{{Name: "count", Attributes: "TQ,R"}},
				InstanceSize: 16,
			},
			{
				Name:         "Array",
				Superclass:   "Collection",
				Methods:      []image.MethodDef{m("count", 20), m("at:", 21), m("at:put:", 22), m("description", 23)},
				SmallMethods: true,
				InstanceSize: 24,
			},
			{
				Name:         "Set",
				Superclass:   "Collection",
				Methods:      []image.MethodDef{m("count", 30), m("includes:", 31), m("add:", 32)},
				InstanceSize: 24,
			},
			{
				Name:       "OrderedSet",
				Superclass: "Set",
			},
			{
				Name:          "Proxy",
				Methods:       []image.MethodDef{m("forward:", 50), m("target", 51), m("description", 52)},
				SortedMethods: true,
				InstanceSize:  16,
			},
		},
		Categories: []image.CategoryDef{
			{
				Name:      "Debugging",
				Class:     "Object",
				Methods:   []image.MethodDef{m("debugDescription", 40), m("description", 41)},
				Protocols: []string{"Debuggable"},
			},
		},
	}
}

func runSample(args []string) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	out := fs.String("o", "", "Output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("sample: -o is required")
	}
	img := sampleImage()
	if err := image.WriteFile(*out, img); err != nil {
		return err
	}
	fmt.Printf("Wrote %s: %d classes, %d categories\n", *out, len(img.Classes), len(img.Categories))
	return nil
}
