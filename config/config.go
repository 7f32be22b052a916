package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vrischmann/envconfig"
)

type LogConfig struct {

	// logging level, panic, fatal, error, warn, info, debug
	Level string `envconfig:"default=info"`

	// use mozlog format
	Mozlog bool `envconfig:"default=false"`
}

type StorageConfig struct {
	// directory holding the shard database files
	DataDir string

	// number of sqlite shard files under DataDir, users are
	// assigned by uid mod NumShards
	NumShards int `envconfig:"default=4"`

	// per user quota in kilobytes, 0 = unlimited
	QuotaKB int `envconfig:"default=0"`

	MaxPayloadBytes int `envconfig:"default=262144"`
	MaxPostBytes    int `envconfig:"default=2097152"`
	MaxPostRecords  int `envconfig:"default=100"`
}

type CacheConfig struct {
	MaxUsers int `envconfig:"default=10000"`

	// comma separated collection names served from memory only,
	// "none" disables the feature
	EphemeralCollections string `envconfig:"default=tabs"`

	EphemeralMaxMB int `envconfig:"default=64"`

	// rolling daily cap on bytes written per user, 0 = uncapped
	MaxDailyWriteBytes int64 `envconfig:"default=0"`
}

var Config struct {
	Log      *LogConfig
	Hostname string `envconfig:"optional"`
	Host     string `envconfig:"default=0.0.0.0"`
	Port     int
	Storage  *StorageConfig
	Cache    *CacheConfig

	// Enable the pprof web endpoint /debug/pprof/
	EnablePprof bool `envconfig:"default=false"`
}

// so callers can use config.Port and not config.Config.Port
var (
	Hostname    string
	Log         *LogConfig
	Host        string
	Port        int
	Storage     *StorageConfig
	Cache       *CacheConfig
	EnablePprof bool
)

func init() {
	if err := envconfig.Init(&Config); err != nil {
		log.Fatalf("Config Error: %s\n", err)
	}

	if Config.Port < 1 || Config.Port > 65535 {
		log.Fatal("Config Error: PORT invalid")
	}

	if Config.Storage.NumShards < 1 {
		log.Fatal("Config Error: STORAGE_NUM_SHARDS must be >= 1")
	}

	if Config.Storage.DataDir != ":memory:" {
		stat, err := os.Stat(Config.Storage.DataDir)
		if os.IsNotExist(err) {
			log.Fatal("Config Error: STORAGE_DATA_DIR does not exist")
		}
		if !stat.IsDir() {
			log.Fatal("Config Error: STORAGE_DATA_DIR is not a directory")
		}

		Config.Storage.DataDir = filepath.Clean(Config.Storage.DataDir)
		testfile := filepath.Join(Config.Storage.DataDir, "test.writable")
		f, err := os.Create(testfile)
		if err != nil {
			log.Fatal("Config Error: STORAGE_DATA_DIR is not writable")
		}
		f.Close()
		os.Remove(testfile)
	}

	switch Config.Log.Level {
	case "panic", "fatal", "error", "warn", "info", "debug":
	default:
		log.Fatalf("Config Error: LOG_LEVEL must be [panic, fatal, error, warn, info, debug]")
	}

	if Config.Hostname == "" {
		Config.Hostname, _ = os.Hostname()
	}

	Hostname = Config.Hostname
	Log = Config.Log
	Host = Config.Host
	Port = Config.Port
	Storage = Config.Storage
	Cache = Config.Cache
	EnablePprof = Config.EnablePprof
}

// ShardPaths lists the database file for each shard in slot order.
// Slot order is significant: changing it reassigns users.
func ShardPaths() []string {
	paths := make([]string, Storage.NumShards)
	for i := range paths {
		if Storage.DataDir == ":memory:" {
			paths[i] = ":memory:"
			continue
		}
		paths[i] = filepath.Join(Storage.DataDir, "shard-"+strconv.Itoa(i)+".db")
	}
	return paths
}

// EphemeralCollectionNames splits the configured comma separated list
func EphemeralCollectionNames() []string {
	if Cache.EphemeralCollections == "" || Cache.EphemeralCollections == "none" {
		return nil
	}

	parts := strings.Split(Cache.EphemeralCollections, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}
