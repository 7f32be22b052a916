// syncpurge sweeps expired BSOs out of the shard databases and
// optionally vacuums shards whose free page ratio crossed the
// threshold. Run it from cron; the server does not need to be stopped
// but the sweep competes for write locks.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/mozilla-services/syncstore/storage"
)

func main() {
	app := cli.NewApp()
	app.Name = "syncpurge"
	app.Usage = "remove expired BSOs from sync storage shards"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "data-dir, d",
			Usage: "directory holding the shard database files",
		},
		cli.BoolFlag{
			Name:  "vacuum",
			Usage: "vacuum shards after purging",
		},
		cli.IntFlag{
			Name:  "vacuum-threshold",
			Value: 10,
			Usage: "vacuum only when free pages exceed this percent",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log at debug level",
		},
	}
	app.Action = purge

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func purge(c *cli.Context) error {
	if c.Bool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	dataDir := c.String("data-dir")
	if dataDir == "" {
		return cli.NewExitError("--data-dir is required", 1)
	}

	paths, err := filepath.Glob(filepath.Join(dataDir, "shard-*.db"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if len(paths) == 0 {
		return cli.NewExitError(
			fmt.Sprintf("no shard databases found under %s", dataDir), 1)
	}
	sort.Strings(paths)

	totalPurged := 0
	for _, path := range paths {
		shard, err := storage.NewSQLStore(path)
		if err != nil {
			return cli.NewExitError(
				fmt.Sprintf("could not open %s: %s", path, err), 1)
		}

		purged, err := shard.PurgeExpired()
		if err != nil {
			shard.Close()
			return cli.NewExitError(
				fmt.Sprintf("purge failed on %s: %s", path, err), 1)
		}
		totalPurged += purged

		fields := log.Fields{
			"shard":       path,
			"bsos_purged": purged,
		}

		if c.Bool("vacuum") {
			vacuumed, err := shard.Optimize(c.Int("vacuum-threshold"))
			if err != nil {
				shard.Close()
				return cli.NewExitError(
					fmt.Sprintf("vacuum failed on %s: %s", path, err), 1)
			}
			fields["vacuumed"] = vacuumed
		}

		log.WithFields(fields).Info("shard purged")
		shard.Close()
	}

	log.WithFields(log.Fields{
		"shards":      len(paths),
		"bsos_purged": totalPurged,
	}).Info("purge complete")

	return nil
}
