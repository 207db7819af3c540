// Command workerd runs a single Chunk Lifecycle and Query Admission Engine
// worker: it reconciles a desired chunk set against local disk, serves
// status pings, and answers queries over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"go.archivegrid.dev/worker/allocation"
	"go.archivegrid.dev/worker/build"
	"go.archivegrid.dev/worker/downloader"
	"go.archivegrid.dev/worker/executor"
	"go.archivegrid.dev/worker/modules"
	"go.archivegrid.dev/worker/modules/worker"
	"go.archivegrid.dev/worker/node/api"
)

// Exit codes, inspired by sysexits.h.
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

var (
	dataDir             string
	apiAddr             string
	concurrentDownloads int
	readBytesPerSec     int64
)

func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information about workerd.",
	Run: func(*cobra.Command, []string) {
		fmt.Println("workerd v" + build.Version)
		fmt.Println("Git Revision " + build.GitRevision)
	},
}

var rootCmd = &cobra.Command{
	Use:   os.Args[0],
	Short: "ArchiveGrid worker daemon v" + build.Version,
	Long:  "ArchiveGrid worker daemon v" + build.Version,
	Run:   runWorkerd,
}

func runWorkerd(*cobra.Command, []string) {
	if dataDir == "" {
		die("data-dir must be set")
	}

	loc := &datasetLocator{}
	dl := downloader.New(loc, readBytesPerSec)

	var once sync.Once
	progress := mpb.New(mpb.WithWidth(64))
	var bar *mpb.Bar

	w, err := worker.New(worker.Config{
		DataDir:                dataDir,
		Downloader:             dl,
		Executor:               executor.JSONScan{},
		AllocationChecker:      allocation.Noop{},
		Dependencies:           modules.ProductionDependencies{},
		MaxConcurrentDownloads: concurrentDownloads,
		ScanProgress: func(scanned, total int) {
			once.Do(func() {
				bar = progress.AddBar(int64(total),
					mpb.PrependDecorators(decor.Name("rescanning data directory")),
					mpb.AppendDecorators(decor.Percentage()))
			})
			bar.SetCurrent(int64(scanned))
		},
	})
	progress.Wait()
	if err != nil {
		die("could not start worker:", err)
	}
	loc.w = w

	a := api.New(w)
	srv := &http.Server{Addr: apiAddr, Handler: a.Handler}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	go func() {
		<-sigCh
		w.StopDownloads()
		cancel()
		srv.Shutdown(context.Background())
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			die("api server failed:", err)
		}
	}()

	w.Run(ctx)
	w.Close()
}

// datasetLocator adapts worker.Worker's dataset index to downloader.Locator.
type datasetLocator struct {
	w *worker.Worker
}

func (d *datasetLocator) DatasetLocator(dataset modules.Dataset) (string, bool) {
	return d.w.DatasetLocator(dataset)
}

func main() {
	root := rootCmd
	root.Flags().StringVar(&dataDir, "data-dir", "", "directory to store downloaded chunks in")
	root.Flags().StringVar(&apiAddr, "api-addr", "localhost:9980", "address to serve the status/query API on")
	root.Flags().IntVar(&concurrentDownloads, "concurrent-downloads", 4, "maximum number of simultaneous chunk downloads")
	root.Flags().Int64Var(&readBytesPerSec, "download-rate-limit", 0, "bandwidth cap for chunk downloads in bytes/sec, 0 for unlimited")

	root.AddCommand(versionCmd)
	root.AddCommand(updateCmd)
	updateCmd.AddCommand(updateCheckCmd)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}
