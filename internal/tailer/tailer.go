package tailer

import (
	"context"
	"io"

	"github.com/nxadm/tail"
	log "github.com/sirupsen/logrus"
)

// Follow tails the file at path and sends each line to lines until ctx is
// done. When fromStart is false only lines written after the call are sent.
// The file does not have to exist yet.
func Follow(ctx context.Context, path string, fromStart bool, lines chan<- string) error {
	cfg := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		// Polling is often safer in Docker mounts
		Poll:   true,
		Logger: tail.DiscardingLogger,
	}
	if !fromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}

	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				log.WithField("component", "tailer").Warnf("error reading line from %s: %v", path, line.Err)
				continue
			}
			select {
			case lines <- line.Text:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
