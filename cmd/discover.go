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
	"fmt"
	"log"

	"github.com/Wanan0708/tilemapd/cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var optRebuild bool

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Summarize the local tile cache per zoom level",
	Long: `Scans the cache index and prints tile count and size per zoom.
With --rebuild, the index is rebuilt by walking the z/x/y.png tree
first, which recovers from a lost or corrupt index database.`,
	Run: func(cmd *cobra.Command, args []string) {
		setDefaultSlog(cmd, args)

		config := daemonConfig()
		store, err := cache.New(config.CacheConfig)
		if err != nil {
			log.Fatalln(err)
		}
		defer store.Close()

		if optRebuild {
			if err := store.Rebuild(); err != nil {
				log.Fatalln(err)
			}
		}
		summary, err := store.Discover()
		if err != nil {
			log.Fatalln(err)
		}

		totalTiles, totalBytes := 0, uint64(0)
		for _, zc := range summary {
			fmt.Printf("z=%-2d  %8s tiles  %10s\n", zc.Zoom,
				humanize.Comma(int64(zc.Count)), humanize.Bytes(uint64(zc.Bytes)))
			totalTiles += zc.Count
			totalBytes += uint64(zc.Bytes)
		}
		fmt.Printf("total %8s tiles  %10s  (%s)\n",
			humanize.Comma(int64(totalTiles)), humanize.Bytes(totalBytes), store.Root())
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().BoolVar(&optRebuild, "rebuild", false, "rebuild the index from the tile tree before summarizing")
}
