package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "provenance",
		Usage: "supply-chain provenance ledger",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			seedCommand(),
			tokenCommand(),
			auditCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}
