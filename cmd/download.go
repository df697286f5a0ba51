/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Wanan0708/tilemapd/cache"
	"github.com/Wanan0708/tilemapd/common"
	"github.com/Wanan0708/tilemapd/events"
	"github.com/Wanan0708/tilemapd/fetch"
	"github.com/Wanan0708/tilemapd/scheduler"
	"github.com/spf13/cobra"
)

var optBBox string
var optZooms string
var optPriority int

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Bulk-download a region of tiles into the cache",
	Long: `Enqueues a download task for a bounding box and zoom range, then
runs the scheduler until every queued tile has been fetched or failed.
The task survives in the manifest, so an interrupted download resumes
on the next run.

Example:
  tilemapd download --bbox 18,54,73,135 --zooms 3-4`,
	Run: func(cmd *cobra.Command, args []string) {
		setDefaultSlog(cmd, args)

		minLat, maxLat, minLon, maxLon, err := parseBBox(optBBox)
		if err != nil {
			log.Fatalln(err)
		}
		minZoom, maxZoom, err := parseZooms(optZooms)
		if err != nil {
			log.Fatalln(err)
		}

		config := daemonConfig()
		store, err := cache.New(config.CacheConfig)
		if err != nil {
			log.Fatalln(err)
		}
		defer store.Close()

		pool := fetch.NewPool(config.FetchConfig, config.ProviderConfig, store)
		pool.Start()
		defer pool.Stop()

		manifest := scheduler.NewManifestStore(config.SchedulerConfig.ManifestPath)
		if err := manifest.Load(); err != nil {
			log.Fatalln(err)
		}
		sched := scheduler.NewScheduler(config.SchedulerConfig, manifest, pool, store.Exists)

		task := &scheduler.DownloadTask{
			MinLat: minLat, MaxLat: maxLat,
			MinLon: minLon, MaxLon: maxLon,
			MinZoom: minZoom, MaxZoom: maxZoom,
			Priority: optPriority,
		}
		if err := sched.EnqueueTask(task); err != nil {
			log.Fatalln(err)
		}
		slog.Info("Enqueued download task", "task", task.ID,
			"bbox", optBBox, "zooms", optZooms)

		finished := make(chan struct{}, 1)
		finishedSub := events.TasksFinishedFeed.Subscribe(finished)
		defer finishedSub.Unsubscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sched.Run(ctx)

		select {
		case <-finished:
		case <-common.Interrupted():
			slog.Warn("Interrupted, task remains in manifest")
		}
	},
}

func parseBBox(s string) (minLat, maxLat, minLon, maxLon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("bbox wants minLat,maxLat,minLon,maxLon, got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("bbox component %q: %w", p, err)
		}
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

func parseZooms(s string) (minZoom, maxZoom int, err error) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	minZoom, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("zooms %q: %w", s, err)
	}
	maxZoom, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("zooms %q: %w", s, err)
	}
	if minZoom > maxZoom {
		minZoom, maxZoom = maxZoom, minZoom
	}
	return minZoom, maxZoom, nil
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	flags := downloadCmd.Flags()
	flags.StringVar(&optBBox, "bbox", "", "bounding box: minLat,maxLat,minLon,maxLon")
	flags.StringVar(&optZooms, "zooms", "0-7", "zoom range, e.g. 3-4 or a single level")
	flags.IntVar(&optPriority, "priority", 0, "task priority, higher drains first")
	_ = downloadCmd.MarkFlagRequired("bbox")
}
