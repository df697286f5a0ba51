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
	"log"
	"log/slog"

	"github.com/Wanan0708/tilemapd/common"
	"github.com/Wanan0708/tilemapd/daemon/webd"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var optListenNetwork string
var optHTTPAddr string

// webdCmd represents the serve command
var webdCmd = &cobra.Command{
	Use:   "webd",
	Short: "Start the tile webserver",
	Long: `Serves cached tiles over HTTP, fetching misses from the provider,
and manages bulk-download tasks. Progress events stream on /sock.`,
	Run: func(cmd *cobra.Command, args []string) {
		setDefaultSlog(cmd, args)
		slog.Info("webd.Run")

		config := daemonConfig()
		config.Network = optListenNetwork
		config.Address = optHTTPAddr
		config.ManagerConfig = managerConfig()
		server, err := webd.NewWebDaemon(config)
		if err != nil {
			log.Fatalln(err)
		}
		if err := server.Start(); err != nil {
			log.Fatalln(err)
		}

		<-common.Interrupted()
		server.Interrupt()
		server.Wait()
	},
}

var webdListenerFlags = pflag.NewFlagSet("webd.listen", pflag.ContinueOnError)

func init() {
	rootCmd.AddCommand(webdCmd)

	defaults := params.DefaultWebDaemonConfig()

	webdListenerFlags.StringVar(&optListenNetwork, "listen.network", defaults.Network,
		"Network to listen on")
	webdListenerFlags.StringVar(&optHTTPAddr, "address", defaults.Address,
		"HTTP address to listen on")
	webdCmd.PersistentFlags().AddFlagSet(webdListenerFlags)
}
