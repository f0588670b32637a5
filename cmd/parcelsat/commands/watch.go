package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
)

// settleDelay gives the producer time to finish writing a boundary file
// before we read it.
const settleDelay = 2 * time.Second

func newWatchCommand() *cobra.Command {
	var (
		routingKey string
		existing   bool
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Watch a directory for boundary files",
		Long: `Watch a directory and process every KML boundary file dropped into it.

Each new file triggers a full pipeline run, the filesystem analog of a
storage-upload trigger. Files are processed sequentially in arrival
order; a failed run is logged and does not stop the watcher. The
command runs until interrupted.`,
		Example: `  # Watch an inbox directory
  parcelsat watch /srv/parcelsat/inbox

  # Also process files already present at startup
  parcelsat watch /srv/parcelsat/inbox --existing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			app.serveMetrics(cmd.Context())
			return watchDirectory(cmd.Context(), app, args[0], routingKey, existing)
		},
	}

	cmd.Flags().StringVarP(&routingKey, "routing-key", "r", "local", "routing key identifying the event source")
	cmd.Flags().BoolVar(&existing, "existing", false, "process files already in the directory at startup")

	return cmd
}

func watchDirectory(ctx context.Context, app *app, dir, routingKey string, existing bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	log := app.log.NewComponentLogger("watcher")
	log.Infof("watching %s for boundary files", dir)

	if existing {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !isKML(entry.Name()) {
				continue
			}
			processWatched(ctx, app, filepath.Join(dir, entry.Name()), routingKey)
		}
	}

	// Debounce by path: a copy into the directory surfaces as a Create
	// followed by a burst of Writes, and we only want one run per file.
	pending := make(map[string]*time.Timer)
	runs := make(chan string)

	for {
		select {
		case <-ctx.Done():
			return nil

		case path := <-runs:
			delete(pending, path)
			processWatched(ctx, app, path, routingKey)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isKML(event.Name) {
				continue
			}
			if timer, ok := pending[event.Name]; ok {
				timer.Reset(settleDelay)
				continue
			}
			path := event.Name
			pending[path] = time.AfterFunc(settleDelay, func() {
				select {
				case runs <- path:
				case <-ctx.Done():
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watch error")
		}
	}
}

func isKML(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".kml")
}

func processWatched(ctx context.Context, app *app, path, routingKey string) {
	log := app.log.WithField("file", path)
	log.Info("processing boundary file")

	run, err := app.processFile(ctx, path, routingKey)
	if err != nil {
		log.WithError(err).Error("run could not start")
		return
	}

	log = log.WithRunID(run.ID)
	if run.Status == pipeline.RunStatusFailed {
		log.Error("run failed")
		return
	}
	log.Infof("run finished with status %s (%d/%d features succeeded)",
		run.Status, run.SucceededCount, run.FeatureCount)
}
