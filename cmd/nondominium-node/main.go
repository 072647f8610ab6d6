package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"github.com/ssd-technologies/nondominium/internal/config"
	"github.com/ssd-technologies/nondominium/internal/keystore"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := cli.NewApp()
	app.Name = "nondominium-node"
	app.Usage = "run an agent's node of the shared resource ledger"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "nondominium.yaml",
			Usage: " configuration `FILE`",
		},
		cli.StringFlag{
			Name:  "env, e",
			Value: ".env",
			Usage: " environment `FILE` loaded before the configuration",
		},
	}
	app.Before = func(c *cli.Context) error {
		if err := godotenv.Load(c.String("env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", c.String("env"), err)
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the node and its HTTP facade until interrupted",
			Action: runServe,
		},
		{
			Name:   "keygen",
			Usage:  "create the agent key, or print the agent of an existing one",
			Action: runKeygen,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "error: %s\n", err)
		os.Exit(1)
	}
}

func runKeygen(c *cli.Context) error {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0o700); err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDirectory, cfg.Keystore.File)
	id, created, err := keystore.LoadOrGenerate(path, cfg.Keystore.Passphrase)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(c.App.Writer, "created %s\n", path)
	}
	fmt.Fprintln(c.App.Writer, id.Agent())
	return nil
}
