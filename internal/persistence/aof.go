package persistence

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lojhan/chainmap/internal/resp"
)

type AOFSyncPolicy string

const (
	AOFSyncAlways   AOFSyncPolicy = "always"
	AOFSyncEverySec AOFSyncPolicy = "everysec"
	AOFSyncNo       AOFSyncPolicy = "no"
)

func ParseSyncPolicy(s string) (AOFSyncPolicy, error) {
	switch p := AOFSyncPolicy(strings.ToLower(s)); p {
	case AOFSyncAlways, AOFSyncEverySec, AOFSyncNo:
		return p, nil
	default:
		return "", errors.Errorf("unknown appendfsync policy %q", s)
	}
}

// AOFWriter appends write commands to a file in request form so they can
// be replayed on startup.
type AOFWriter struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	buf        []byte
	syncPolicy AOFSyncPolicy
	logger     *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewAOFWriter(path string, policy AOFSyncPolicy, logger *zap.Logger) (*AOFWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open AOF file")
	}

	aof := &AOFWriter{
		file:       file,
		writer:     bufio.NewWriter(file),
		syncPolicy: policy,
		logger:     logger,
	}

	if policy == AOFSyncEverySec {
		aof.stop = make(chan struct{})
		aof.done = make(chan struct{})
		go aof.backgroundSync(time.Second)
	}
	return aof, nil
}

func (a *AOFWriter) Append(command resp.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = resp.AppendValue(a.buf[:0], command)
	if _, err := a.writer.Write(a.buf); err != nil {
		return errors.Wrap(err, "write AOF buffer")
	}

	switch a.syncPolicy {
	case AOFSyncAlways:
		return a.flushAndSync()
	case AOFSyncEverySec:
		if err := a.writer.Flush(); err != nil {
			return errors.Wrap(err, "flush AOF buffer")
		}
	}
	return nil
}

func (a *AOFWriter) flushAndSync() error {
	if err := a.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush AOF buffer")
	}
	if err := a.file.Sync(); err != nil {
		return errors.Wrap(err, "sync AOF file")
	}
	return nil
}

func (a *AOFWriter) backgroundSync(interval time.Duration) {
	defer close(a.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			if err := a.flushAndSync(); err != nil {
				a.logger.Warn("background AOF sync failed", zap.Error(err))
			}
			a.mu.Unlock()
		case <-a.stop:
			return
		}
	}
}

func (a *AOFWriter) Close() error {
	if a.stop != nil {
		close(a.stop)
		<-a.done
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.flushAndSync(); err != nil {
		return err
	}
	return errors.Wrap(a.file.Close(), "close AOF file")
}

// LoadAOF replays every command in path through execute and returns the
// number of commands applied. A missing file is treated as empty.
func LoadAOF(path string, execute func(resp.Value) resp.Value) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "open AOF file")
	}
	defer file.Close()

	reader := resp.NewReader(file)
	count := 0
	for {
		value, err := reader.Read()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, errors.Wrapf(err, "parse AOF at command %d", count+1)
		}
		if value.Type != resp.Array || len(value.Array) == 0 {
			return count, errors.Errorf("invalid AOF entry at command %d", count+1)
		}

		if result := execute(value); result.Type == resp.Error {
			return count, errors.Errorf("replay AOF command %d: %s", count+1, result.Str)
		}
		count++
	}
}
