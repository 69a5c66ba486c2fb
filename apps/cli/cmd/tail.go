package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/jsonl"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	tailBodyFlag bool
	tailKeyFlag  string
	tailFromFlag bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <module-dir>",
	Short: "Follow a module's JSONL captures as they are written",
	Long: `Watch a module storage path and print every exchange appended to its
JSONL file. Rotation is followed.

Examples:
  hitcapture tail /tmp/hitcapture/billing
  hitcapture tail ./captures/auth --from-start --body`,
	Args: cobra.ExactArgs(1),
	RunE: tailCommand,
}

func init() {
	tailCmd.Flags().BoolVarP(&tailBodyFlag, "body", "b", false, "Include bodies")
	tailCmd.Flags().StringVar(&tailKeyFlag, "key", "", "Hex XChaCha20-Poly1305 key used to decrypt bodies")
	tailCmd.Flags().BoolVar(&tailFromFlag, "from-start", false, "Print existing items before following")
}

func tailCommand(cmd *cobra.Command, args []string) error {
	enc, err := encryptorFor(tailKeyFlag)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}
	dir := args[0]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	f := &follower{path: filepath.Join(dir, jsonl.FileName)}
	if !tailFromFlag {
		f.skipExisting()
	}
	emit := func(item capture.Item) {
		if enc != nil {
			item = capture.Open(item, enc)
		}
		printItem(out, item, tailBodyFlag)
	}

	fmt.Fprintf(out, "Following %s (press Ctrl+C to stop)\n\n", f.path)
	return follow(ctx, dir, f, emit)
}

// follow reads f on every write or create event in dir until ctx ends.
func follow(ctx context.Context, dir string, f *follower, emit func(capture.Item)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	drain := func() {
		items, err := f.poll()
		if err != nil {
			logger.Warn().Err(err).Str("path", f.path).Msg("failed to read captures")
		}
		for _, item := range items {
			emit(item)
		}
	}
	drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			if event.Has(fsnotify.Create) {
				// lumberjack renamed the old file away and started a new one
				f.reset()
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// follower reads complete JSONL lines appended to path since the last poll.
type follower struct {
	path    string
	offset  int64
	partial []byte
	skipped int
}

func (f *follower) skipExisting() {
	if info, err := os.Stat(f.path); err == nil {
		f.offset = info.Size()
	}
}

func (f *follower) reset() {
	f.offset = 0
	f.partial = nil
}

func (f *follower) poll() ([]capture.Item, error) {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < f.offset {
		f.reset()
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	f.offset += int64(len(data))

	data = append(f.partial, data...)
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		f.partial = data
		return nil, nil
	}
	f.partial = append([]byte(nil), data[end+1:]...)

	var items []capture.Item
	for _, line := range bytes.Split(data[:end], []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var item capture.Item
		if err := json.Unmarshal(line, &item); err != nil {
			f.skipped++
			logger.Warn().Err(err).Str("path", f.path).Msg("skipping malformed capture line")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
