// Package engineconfig loads process configuration from the environment
// (and an optional .env file), applying sensible defaults.
package engineconfig

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the engine's runtime configuration.
type Config struct {
	ListenIP                   string
	ListenPort                 int
	DownloadRoot               string
	TrackerURLOverride         string
	UnchokeCapacity            int
	MaxInflightPerPeer         int
	ReadTimeoutSeconds         int
	AnnounceMinIntervalSeconds int
	DBPath                     string
}

// Load reads a .env file if present (godotenv.Load's error, such as a
// missing file, is discarded) and builds a Config from the environment,
// falling back to defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenIP:                   getenv("PEERENGINE_LISTEN_IP", "0.0.0.0"),
		ListenPort:                 getenvInt("PEERENGINE_LISTEN_PORT", 6881),
		DownloadRoot:               getenv("PEERENGINE_DOWNLOAD_ROOT", "storage/downloads"),
		TrackerURLOverride:         os.Getenv("PEERENGINE_TRACKER_URL"),
		UnchokeCapacity:            getenvInt("PEERENGINE_UNCHOKE_CAPACITY", 4),
		MaxInflightPerPeer:         getenvInt("PEERENGINE_MAX_INFLIGHT_PER_PEER", 1),
		ReadTimeoutSeconds:         getenvInt("PEERENGINE_READ_TIMEOUT_SECONDS", 30),
		AnnounceMinIntervalSeconds: getenvInt("PEERENGINE_ANNOUNCE_MIN_INTERVAL_SECONDS", 60),
		DBPath:                     getenv("PEERENGINE_DB_PATH", "storage/peerstore.db"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
