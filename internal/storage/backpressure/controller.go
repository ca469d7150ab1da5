// Package backpressure tracks how full the batch queue is.
//
// The controller maps queue usage to four levels. Raising a level happens
// on the first check over its threshold; lowering it needs usage below the
// threshold minus the hysteresis and a cooldown since the last change.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/logging"
)

var log = logging.Component("backpressure")

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - storage workers are falling behind.
	LevelWarning

	// LevelCritical - the raw blob archive is paused.
	LevelCritical

	// LevelEmergency - the queue is about to drop batches.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Usage reports queue fill as a ratio in [0, 1].
type Usage interface {
	UsageRatio() float64
}

// Config holds the level thresholds.
type Config struct {
	Warning    float64
	Critical   float64
	Emergency  float64
	Hysteresis float64
	Cooldown   time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Warning:    config.DefaultBackpressureWarning,
		Critical:   config.DefaultBackpressureCritical,
		Emergency:  config.DefaultBackpressureEmergency,
		Hysteresis: config.DefaultBackpressureHysteresis,
		Cooldown:   config.DefaultBackpressureCooldown,
	}
}

// Controller manages the level for one queue.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	usage Usage
	now   func() time.Time

	// Current state
	level      atomic.Int32
	lastLevel  Level
	lastChange time.Time
	lastUsage  float64

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
}

// New creates a controller watching usage.
func New(cfg Config, usage Usage) *Controller {
	return &Controller{
		cfg:   cfg,
		usage: usage,
		now:   time.Now,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check samples the queue and updates the level.
// This should be called periodically.
func (c *Controller) Check() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage := c.usage.UsageRatio()
	c.lastUsage = usage
	now := c.now()

	newLevel := c.determineLevel(usage)
	if newLevel < c.lastLevel && now.Sub(c.lastChange) < c.cfg.Cooldown {
		return c.lastLevel
	}
	if newLevel != c.lastLevel {
		c.setLevel(newLevel, usage, now)
	}
	return newLevel
}

// determineLevel applies thresholds going up and hysteresis coming down.
func (c *Controller) determineLevel(usage float64) Level {
	t := c.cfg

	if usage >= t.Emergency {
		return LevelEmergency
	}
	if usage >= t.Critical {
		return LevelCritical
	}
	if usage >= t.Warning {
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < t.Emergency-t.Hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < t.Critical-t.Hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < t.Warning-t.Hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the level and fires the callback. Caller holds c.mu.
func (c *Controller) setLevel(newLevel Level, usage float64, now time.Time) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.lastChange = now
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if newLevel > oldLevel {
		log.Warn("queue pressure rising", "from", oldLevel, "to", newLevel, "usage", usage)
	} else {
		log.Info("queue pressure easing", "from", oldLevel, "to", newLevel, "usage", usage)
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldPauseArchive returns true while archiving must yield to storage.
func (c *Controller) ShouldPauseArchive() bool {
	return c.CurrentLevel() >= LevelCritical
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		QueueUsage:     c.lastUsage,
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	QueueUsage     float64
}
