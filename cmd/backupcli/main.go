// Command backupcli is a thin urfave/cli/v2 wrapper around the
// backset.Repository operations: init, scan, backup, gc. Argument
// parsing here is intentionally minimal; all real logic lives in the
// backset package and its sub-packages.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"backset"
	"backset/config"
	"backset/gc"
	"backset/scan"
)

func main() {
	app := &cli.App{
		Name:  "backupcli",
		Usage: "content-addressed backup engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "path to the metadata database",
				Value: "backset.db",
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			scanCommand(),
			backupCommand(),
			gcCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		cli.HandleExitCoder(err)
		log.Print(err)
		os.Exit(1)
	}
}

func openRepo(c *cli.Context) (*backset.Repository, error) {
	return backset.Open(c.Context, c.String("db"))
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "create or update the metadata database and track a root path",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "storage-backend", Value: "fs"},
			&cli.StringFlag{Name: "fs-dir", Value: "objects"},
			&cli.StringFlag{Name: "s3-endpoint"},
			&cli.StringFlag{Name: "s3-bucket"},
			&cli.StringFlag{Name: "s3-access-key"},
			&cli.StringFlag{Name: "s3-secret-key"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("init: missing <path> argument", 1)
			}

			repo, err := openRepo(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer repo.Close()

			cfg := config.Default()
			cfg.StorageBackend = c.String("storage-backend")
			cfg.FSDir = c.String("fs-dir")
			cfg.S3Endpoint = c.String("s3-endpoint")
			cfg.S3Bucket = c.String("s3-bucket")
			cfg.S3AccessKey = c.String("s3-access-key")
			cfg.S3SecretKey = c.String("s3-secret-key")
			if err := repo.Init(c.Context, cfg); err != nil {
				return cli.Exit(err, 1)
			}

			if err := repo.AddRoot(c.Context, path); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "walk tracked roots against the filesystem, marking changes dirty",
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer repo.Close()

			stats, err := repo.Scan(c.Context, scan.Options{
				Progress: func(scanned int, total *int) {
					if total != nil {
						fmt.Printf("scanned %d/%d\n", scanned, *total)
					} else {
						fmt.Printf("scanned %d new\n", scanned)
					}
				},
			})
			if err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Printf("scan complete: %d entries visited\n", stats.Scanned)
			return nil
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "serialize every dirty entry and record a snapshot per root",
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer repo.Close()

			stats, err := repo.Backup(c.Context, func(done, total int) {
				fmt.Printf("backed up %d/%d\n", done, total)
			})
			if err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Printf("backup complete: %d entries, %d snapshots\n", stats.EntriesBackedUp, stats.SnapshotsMade)
			return nil
		},
	}
}

func gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "delete every object unreferenced by any snapshot",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "exact-threshold"},
		},
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer repo.Close()

			n, err := repo.GC(c.Context, gc.Options{ExactThreshold: c.Int64("exact-threshold")})
			if err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Printf("gc complete: %d objects collected\n", n)
			return nil
		},
	}
}
