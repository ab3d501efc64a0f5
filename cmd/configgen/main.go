package main

import (
	"flag"
	"log"

	"github.com/danmuck/hspmesh/internal/config"
)

const defaultPath = "cmd/hspd/config.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config for %s/%s at %s", cfg.Node.Namespace, cfg.Node.ID, *input)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote node config template to %s", *output)
}
