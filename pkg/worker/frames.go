package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// FrameDelimiter separates frames in a worker stream.
const FrameDelimiter byte = 0

// Frame is one unit of a worker stream. A zero ErrorCode means more frames may follow.
type Frame struct {
	ErrorCode int    `json:"error_code"`
	Text      string `json:"text"`
}

// FrameReader splits a worker response body into frames.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame, skipping empty chunks. It returns io.EOF once the stream is
// exhausted.
func (f *FrameReader) Next() (Frame, error) {
	for {
		chunk, err := f.r.ReadBytes(FrameDelimiter)
		chunk = bytes.TrimSuffix(chunk, []byte{FrameDelimiter})
		if len(bytes.TrimSpace(chunk)) > 0 {
			var frame Frame
			if jsonErr := json.Unmarshal(chunk, &frame); jsonErr != nil {
				return Frame{}, errors.Wrapf(jsonErr, "malformed frame %q", truncate(chunk, 64))
			}
			// a final chunk without delimiter is still a frame; the next call reports EOF
			return frame, nil
		}
		if err != nil {
			if err == io.EOF {
				return Frame{}, io.EOF
			}
			return Frame{}, errors.Wrap(err, "could not read frame")
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
