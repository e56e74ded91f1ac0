package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/zacheryvaughn/network-volume-manager/lib/logger"
)

var log, _ = logger.New("nvmctl")

func main() {
	app := &cli.App{
		Name:  "nvmctl",
		Usage: "Manage a network volume over its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server-url",
				Value: "http://localhost:8080",
				Usage: "Base URL of the volumed server",
			},
		},
		Commands: commands(),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}
