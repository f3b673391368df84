package chatlog

import (
	"encoding/json"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

const (
	TypeChat     = "chat"
	TypeUpvote   = "upvote"
	TypeDownvote = "downvote"
	TypeFlag     = "flag"
)

type GenParams struct {
	Temperature  float64 `json:"temperature"`
	MaxNewTokens int     `json:"max_new_tokens"`
}

// Record is one line of a conversation log. Timestamps are unix seconds.
type Record struct {
	Tstamp    float64                `json:"tstamp"`
	Type      string                 `json:"type"`
	Model     string                 `json:"model"`
	GenParams *GenParams             `json:"gen_params,omitempty"`
	Start     *float64               `json:"start,omitempty"`
	Finish    *float64               `json:"finish,omitempty"`
	State     conversation.PlainData `json:"state"`
	IP        string                 `json:"ip"`
}

// Timestamp converts t to unix seconds rounded to four decimals.
func Timestamp(t time.Time) float64 {
	return math.Round(float64(t.UnixNano())/1e5) / 1e4
}

// Writer appends records to one JSON lines file per day, named YYYY-MM-DD-conv.json.
type Writer struct {
	dir       string
	maxSizeMB int
	now       func() time.Time

	mu      sync.Mutex
	day     string
	current *lumberjack.Logger
}

type Option func(*Writer)

// WithMaxSize sets the size in megabytes at which a day file is rotated.
func WithMaxSize(mb int) Option {
	return func(w *Writer) {
		w.maxSizeMB = mb
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

func NewWriter(dir string, options ...Option) *Writer {
	w := &Writer{
		dir:       dir,
		maxSizeMB: 1024,
		now:       time.Now,
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// Filename returns the log file used at t.
func (w *Writer) Filename(t time.Time) string {
	return filepath.Join(w.dir, t.Format("2006-01-02")+"-conv.json")
}

// Write appends rec to the file of the current day. A zero Tstamp is set to now.
func (w *Writer) Write(rec Record) error {
	now := w.now()
	if rec.Tstamp == 0 {
		rec.Tstamp = Timestamp(now)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "could not encode log record")
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	day := now.Format("2006-01-02")
	if w.current == nil || day != w.day {
		if w.current != nil {
			if err := w.current.Close(); err != nil {
				log.Warn().Err(err).Str("day", w.day).Msg("could not close conversation log")
			}
		}
		w.day = day
		w.current = &lumberjack.Logger{
			Filename: w.Filename(now),
			MaxSize:  w.maxSizeMB,
		}
		log.Debug().Str("file", w.current.Filename).Msg("opened conversation log")
	}

	if _, err := w.current.Write(b); err != nil {
		return errors.Wrapf(err, "could not write %s", w.current.Filename)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}
