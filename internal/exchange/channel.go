package exchange

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"aaronromeo.com/identityswitch/pkg/utils"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

// Writer appends records to the exchange file. Each Append is a single
// write so concurrent writers from separate requests do not interleave
// within a record.
type Writer struct {
	path   string
	fm     utils.FileManager
	logger *slog.Logger
	file   utils.File
}

type WriterOption func(*Writer)

func WithFileManager(fm utils.FileManager) WriterOption {
	return func(w *Writer) {
		w.fm = fm
	}
}

func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

func NewWriter(path string, opts ...WriterOption) *Writer {
	w := &Writer{
		path:   path,
		fm:     utils.OSFileManager{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Path() string {
	return w.path
}

// Append writes one record. A handle that no longer points at the file on
// disk, or a failed write, causes one reopen and retry.
func (w *Writer) Append(rec Record) error {
	line := []byte(rec.Encode())

	if w.file != nil && w.stale() {
		w.logger.Debug("exchange handle is stale, reopening", slog.String("path", w.path))
		w.closeFile()
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	_, err := w.file.Write(line)
	if err == nil {
		return nil
	}
	w.logger.Debug("exchange write failed, retrying once",
		slog.String("path", w.path), slog.Any("error", err))

	w.closeFile()
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		w.closeFile()
		return pkgerrors.Wrapf(err, "append to %s", w.path)
	}
	return nil
}

func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) open() error {
	f, err := w.fm.OpenAppend(w.path)
	if err != nil {
		return pkgerrors.Wrapf(err, "open %s", w.path)
	}
	w.file = f
	return nil
}

func (w *Writer) closeFile() {
	if w.file != nil {
		w.file.Close() //nolint:errcheck
		w.file = nil
	}
}

// stale reports whether the path was harvested or replaced since the handle
// was opened.
func (w *Writer) stale() bool {
	held, err := w.file.Stat()
	if err != nil {
		return true
	}
	onDisk, err := w.fm.Stat(w.path)
	if err != nil {
		return true
	}
	return !os.SameFile(held, onDisk)
}

// Exists reports whether results are waiting at path.
func Exists(fm utils.FileManager, path string) bool {
	_, err := fm.Stat(path)
	return err == nil
}

// Harvest consumes the exchange file: it is moved aside, read and deleted,
// so every record is handed out at most once. A missing file yields no
// records and no error.
func Harvest(fm utils.FileManager, path string) (records []Record, malformed []string, err error) {
	private := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString())
	if err := fm.Rename(path, private); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, pkgerrors.Wrapf(err, "claim %s", path)
	}
	defer fm.Remove(private) //nolint:errcheck

	data, err := fm.ReadFile(private)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "read %s", private)
	}
	records, malformed = Parse(string(data))
	return records, malformed, nil
}
