package archive

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/queue"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

var log = logging.Component("archive")

// Config controls the archive.
type Config struct {
	Dir           string
	QueueSize     int
	MaxRows       int64
	FlushInterval time.Duration
	Compression   Compression

	// PollInterval is how long the writer sleeps on an empty queue.
	PollInterval time.Duration
}

// DefaultConfig returns the archive defaults.
func DefaultConfig() Config {
	return Config{
		Dir:           config.DefaultArchiveDir,
		QueueSize:     config.DefaultArchiveQueueSize,
		MaxRows:       config.DefaultArchiveMaxRows,
		FlushInterval: config.DefaultArchiveFlushInterval,
		Compression:   ParseCompression(config.DefaultArchiveCompression),
		PollInterval:  10 * time.Millisecond,
	}
}

// Archive writes completed blobs to rotating Parquet files.
type Archive struct {
	cfg   Config
	queue *queue.Queue[*types.Item]
	now   func() time.Time

	// writer goroutine state
	file    *FileWriter
	fileSeq int

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	paths []string

	// Statistics
	written     atomic.Int64
	files       atomic.Int64
	writeErrors atomic.Int64
}

// New creates an archive. Nothing is written until Start.
func New(cfg Config) (*Archive, error) {
	def := DefaultConfig()
	if cfg.Dir == "" {
		return nil, errors.NewMissingField("archive.dir")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	return &Archive{
		cfg:   cfg,
		queue: queue.New[*types.Item](cfg.QueueSize),
		now:   time.Now,
		stop:  make(chan struct{}),
	}, nil
}

// Append queues item for archiving. It returns false when the queue is
// full and the item was dropped.
func (a *Archive) Append(item *types.Item) bool {
	return a.queue.Push(item)
}

// Start launches the writer.
func (a *Archive) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("archive: %w", errors.ErrAlreadyRunning)
	}
	a.wg.Add(1)
	go a.run()

	log.Info("archive started", "dir", a.cfg.Dir, "max_rows", a.cfg.MaxRows)
	return nil
}

// Stop writes what is queued and closes the open file.
func (a *Archive) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	close(a.stop)
	a.wg.Wait()

	log.Info("archive stopped", "blobs", a.written.Load(), "files", a.files.Load())
	return nil
}

// Files returns the paths of every file created so far, oldest first.
func (a *Archive) Files() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.paths...)
}

func (a *Archive) run() {
	defer a.wg.Done()

	flush := time.NewTicker(a.cfg.FlushInterval)
	defer flush.Stop()
	idle := time.NewTimer(a.cfg.PollInterval)
	defer idle.Stop()

	for {
		select {
		case <-a.stop:
			a.writeQueued()
			a.closeFile()
			return
		case <-flush.C:
			a.flushFile()
			continue
		default:
		}

		if a.writeQueued() > 0 {
			continue
		}

		idle.Reset(a.cfg.PollInterval)
		select {
		case <-a.stop:
		case <-flush.C:
			a.flushFile()
		case <-idle.C:
		}
	}
}

// writeQueued drains the queue into the open file, rotating as needed.
func (a *Archive) writeQueued() int {
	total := 0
	for {
		room := int(a.cfg.MaxRows)
		if a.file != nil {
			room = int(a.cfg.MaxRows - a.file.Rows())
		}
		items := a.queue.PopN(room)
		if len(items) == 0 {
			return total
		}
		total += len(items)

		if err := a.write(items); err != nil {
			a.writeErrors.Add(1)
			log.Error("archive write failed, blobs dropped", "count", len(items), "error", err)
			a.closeFile()
			continue
		}
		a.written.Add(int64(len(items)))

		if a.file.Rows() >= a.cfg.MaxRows {
			a.closeFile()
		}
	}
}

func (a *Archive) write(items []*types.Item) error {
	if a.file == nil {
		a.fileSeq++
		name := fmt.Sprintf("blobs-%d-%d.parquet", a.now().UnixMilli(), a.fileSeq)
		path := filepath.Join(a.cfg.Dir, name)

		f, err := CreateFile(path, a.cfg.Compression)
		if err != nil {
			return err
		}
		a.file = f
		a.files.Add(1)

		a.mu.Lock()
		a.paths = append(a.paths, path)
		a.mu.Unlock()
		log.Debug("archive file opened", "path", path)
	}
	return a.file.Write(items)
}

func (a *Archive) flushFile() {
	if a.file == nil {
		return
	}
	if err := a.file.Flush(); err != nil {
		a.writeErrors.Add(1)
		log.Warn("archive flush failed", "path", a.file.Path(), "error", err)
	}
}

func (a *Archive) closeFile() {
	if a.file == nil {
		return
	}
	if err := a.file.Close(); err != nil {
		a.writeErrors.Add(1)
		log.Warn("archive close failed", "path", a.file.Path(), "error", err)
	}
	log.Debug("archive file closed", "path", a.file.Path(), "rows", a.file.Rows())
	a.file = nil
}

// Stats returns archive statistics.
func (a *Archive) Stats() Stats {
	qs := a.queue.Stats()
	return Stats{
		Running:     a.running.Load(),
		Queued:      qs.Count,
		Dropped:     qs.DropCount,
		Written:     a.written.Load(),
		Files:       a.files.Load(),
		WriteErrors: a.writeErrors.Load(),
	}
}

// Stats holds archive statistics.
type Stats struct {
	Running     bool
	Queued      int
	Dropped     int64
	Written     int64
	Files       int64
	WriteErrors int64
}
