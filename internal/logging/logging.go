// Package logging configures the process-wide zerolog logger used by every
// other package in cloudmount. Call Init once at process startup; after
// that, packages log through "github.com/rs/zerolog/log" directly, the way
// the rest of the codebase does.
package logging

import (
	"compress/gzip"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global log level and picks an output writer appropriate for
// the environment: a human-readable console writer when stderr is a
// terminal, and plain JSON lines (consumed by systemd-journald, or
// redirected to logFile) otherwise.
func Init(levelStr string, logFile string) error {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		writers = append(writers, newRotatingWriter(f))
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else if logFile == "" {
		writers = append(writers, os.Stderr)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = os.Stderr
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Caller().Logger()
	return nil
}

// rotatingWriter is a thin, size-triggered rotation wrapper: when the
// underlying file exceeds maxLogSize its contents are gzipped into a
// numbered "<name>.N.gz" copy, keeping up to maxLogGenerations retired
// copies, and the file itself is truncated and reused.
type rotatingWriter struct {
	f *os.File
}

func newRotatingWriter(f *os.File) io.Writer {
	return &rotatingWriter{f: f}
}

const (
	maxLogSize        = 50 * 1024 * 1024 // 50 MB
	maxLogGenerations = 3
)

func (w *rotatingWriter) Write(p []byte) (int, error) {
	if info, err := w.f.Stat(); err == nil && info.Size() > maxLogSize {
		w.rotate()
	}
	return w.f.Write(p)
}

func (w *rotatingWriter) rotate() {
	name := w.f.Name()
	w.f.Close()
	for i := maxLogGenerations - 1; i >= 1; i-- {
		os.Rename(logGenName(name, i), logGenName(name, i+1))
	}
	gzipToFile(name, logGenName(name, 1))
	f, err := os.OpenFile(name, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err == nil {
		w.f = f
	}
}

func gzipToFile(src, dstGz string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dstGz)
	if err != nil {
		return
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	defer gz.Close()
	io.Copy(gz, in)
}

func logGenName(base string, gen int) string {
	return base + "." + itoa(gen) + ".gz"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
