package crawler

import (
	"net/http"
	"time"
)

// EngineConfig holds the settings for crawl execution.
// This struct is decoupled from Viper, making the engine and its configuration
// easier to test independently.
type EngineConfig struct {
	// RespectRobots is the default when a job carries no override.
	RespectRobots bool
	// RobotsConcurrency bounds parallel robots.txt checks during filtering.
	RobotsConcurrency int
	// JobTimeout caps the fetch phase of a whole job; zero disables it.
	JobTimeout time.Duration
	// Headers are added to every page request.
	Headers http.Header
	// ArchivePrefix is the blob path prefix for archived bodies.
	ArchivePrefix string
	// ArchiveContentType is the content type archived bodies are stored with.
	ArchiveContentType string
	// Topic receives job completion events when a publisher is configured.
	Topic string
}

const (
	defaultRobotsConcurrency  = 8
	defaultArchiveContentType = "text/html; charset=utf-8"
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.RobotsConcurrency <= 0 {
		c.RobotsConcurrency = defaultRobotsConcurrency
	}
	if c.ArchiveContentType == "" {
		c.ArchiveContentType = defaultArchiveContentType
	}
	return c
}
