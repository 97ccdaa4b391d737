package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	defaultPort             = 6991
	defaultWarmCacheSizeMB  = 20
	defaultIdleTimeoutMin   = 20
	defaultSessionPortDelta = 10
)

type Config struct {
	Port            int
	DownloadPath    string
	HLSPath         string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	LogLevel        string
	LogFormat       string
	FFMPEGPath      string
	FFProbePath     string

	WarmCacheSizeMB          int64 // leading bytes of the video file prefetched at admission
	WarmCacheTimeoutMin      int64 // minutes of stream inactivity before the reaper fires
	MaxSessions              int   // 0 = unlimited
	MaxConnectionsPerTorrent int
	MinDiskSpaceBytes        int64 // 0 = disk pressure monitor disabled
}

func LoadConfig() Config {
	return Config{
		Port:            int(getEnvInt64("PORT", defaultPort)),
		DownloadPath:    getEnv("DOWNLOAD_PATH", "downloads"),
		HLSPath:         getEnv("HLS_PATH", "hls"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DB", "torrentstream"),
		MongoCollection: getEnv("MONGO_COLLECTION", "torrents"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),
		FFMPEGPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:     getEnv("FFPROBE_PATH", "ffprobe"),

		WarmCacheSizeMB:          getEnvInt64("WARM_CACHE_SIZE_MB", defaultWarmCacheSizeMB),
		WarmCacheTimeoutMin:      getEnvInt64("WARM_CACHE_TIMEOUT_MINUTES", defaultIdleTimeoutMin),
		MaxSessions:              int(getEnvInt64("TORRENT_MAX_SESSIONS", 0)),
		MaxConnectionsPerTorrent: int(getEnvInt64("TORRENT_MAX_CONNECTIONS", 200)),
		MinDiskSpaceBytes:        getEnvInt64("TORRENT_MIN_DISK_SPACE_BYTES", 0),
	}
}

// HTTPAddr is the listen address of the API server.
func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SessionListenPort is the swarm port, offset from the HTTP port so both
// can be derived from a single setting.
func (c Config) SessionListenPort() int {
	return c.Port + defaultSessionPortDelta
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}
