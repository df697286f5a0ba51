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
	"time"

	"github.com/Wanan0708/tilemapd/params"
	"github.com/spf13/viper"
)

// daemonConfig builds the daemon config from defaults overlaid with
// any recognized viper settings (config file or TILEMAPD_* env).
// Recognized keys: tileUrlTemplate, servers, cacheDir, minZoom,
// maxZoom, maxConcurrent, rateLimitPerSec, retryMax, backoffInitialMs,
// prefetchRing.
func daemonConfig() *params.WebDaemonConfig {
	cfg := params.DefaultWebDaemonConfig()
	if v := viper.GetString("tileUrlTemplate"); v != "" {
		cfg.ProviderConfig.URLTemplate = v
	}
	if v := viper.GetStringSlice("servers"); len(v) > 0 {
		cfg.ProviderConfig.Servers = v
	}
	if v := viper.GetString("cacheDir"); v != "" {
		cfg.CacheConfig.Root = v
	}
	if viper.IsSet("maxConcurrent") {
		cfg.SchedulerConfig.MaxConcurrent = viper.GetInt("maxConcurrent")
	}
	if viper.IsSet("rateLimitPerSec") {
		cfg.SchedulerConfig.RateLimitPerSec = viper.GetInt("rateLimitPerSec")
	}
	if viper.IsSet("retryMax") {
		cfg.FetchConfig.RetryMax = viper.GetInt("retryMax")
	}
	if viper.IsSet("backoffInitialMs") {
		cfg.FetchConfig.BackoffInitial = time.Duration(viper.GetInt("backoffInitialMs")) * time.Millisecond
	}
	return cfg
}

// managerConfig overlays viewport settings the same way.
func managerConfig() *params.ManagerConfig {
	cfg := params.DefaultManagerConfig()
	if viper.IsSet("minZoom") {
		cfg.MinZoom = viper.GetInt("minZoom")
	}
	if viper.IsSet("maxZoom") {
		cfg.MaxZoom = viper.GetInt("maxZoom")
	}
	if viper.IsSet("prefetchRing") {
		cfg.PrefetchRing = viper.GetInt("prefetchRing")
	}
	return cfg
}
