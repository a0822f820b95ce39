// logging.go - Structured logging with a separate audit trail.
//
// Warnings and errors are copied to the audit log, next to explicit Audit
// events such as claim submissions and evaluations.

package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Level  string
	Format string // "text" or "json"
	File   string
	// AuditFile enables the audit log when set.
	AuditFile string
	// Console defaults to stdout.
	Console io.Writer
}

// Logger is a logrus logger with an optional audit sink.
type Logger struct {
	*logrus.Logger
	audit *logrus.Logger
	files []*os.File
}

func New(opts Options) (*Logger, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	l := &Logger{Logger: logrus.New()}
	l.SetLevel(level)
	l.SetFormatter(formatter(opts.Format))

	out := console
	if opts.File != "" {
		f, err := openAppend(opts.File)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		l.files = append(l.files, f)
		out = io.MultiWriter(console, f)
	}
	l.SetOutput(out)

	if opts.AuditFile != "" {
		f, err := openAppend(opts.AuditFile)
		if err != nil {
			l.Close()
			return nil, errors.Wrap(err, "open audit file")
		}
		l.files = append(l.files, f)
		l.audit = logrus.New()
		l.audit.SetOutput(f)
		l.audit.SetFormatter(&logrus.JSONFormatter{})
		l.AddHook(&auditHook{audit: l.audit})
	}
	return l, nil
}

// Audit records an event in the audit log only.
func (l *Logger) Audit(event string, fields logrus.Fields) {
	if l.audit == nil {
		return
	}
	l.audit.WithFields(fields).WithField("audit", true).Info(event)
}

func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

func formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"}
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// auditHook copies warn and above to the audit logger.
type auditHook struct {
	audit *logrus.Logger
}

func (h *auditHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel}
}

func (h *auditHook) Fire(entry *logrus.Entry) error {
	h.audit.WithFields(entry.Data).WithTime(entry.Time).Log(entry.Level, entry.Message)
	return nil
}
