// Package config loads boardsync configuration.
//
// Configuration is read from boardsync.toml (YAML and JSON files are accepted
// when named explicitly) and overridden by BOARDSYNC_* environment variables,
// where nested keys are joined with underscores.
//
// # Configuration File Structure
//
//	[server]
//	address = ":8080"
//	allowed_origins = ["https://boards.example.com"]
//
//	[board]
//	flush_interval = "500ms"
//	default_background = "#ffffff"
//
//	[store]
//	driver = "postgres"
//	dsn = "postgres://boardsync@localhost/boardsync?sslmode=disable"
//
//	[log]
//	level = "info"
//	format = "json"
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(cfg.ServerConfig(), backend)
//
// Environment overrides:
//
//	BOARDSYNC_STORE_DRIVER=mongo
//	BOARDSYNC_STORE_DSN=mongodb://localhost:27017
//	BOARDSYNC_SERVER_ALLOWED_ORIGINS=https://a.example,https://b.example
package config
