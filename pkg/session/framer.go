/*
 * Copyright 2025 SmartControl Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package session

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/smartcontrol/smartcontrol/pkg/models"
)

var (
	// ErrHTTPTraffic means browser HTTP bytes arrived on the device port.
	ErrHTTPTraffic = errors.New("http traffic on device protocol port")

	// ErrMalformedStream means the peer exceeded the unparsable-record burst
	// threshold and the connection must be dropped.
	ErrMalformedStream = errors.New("too many consecutive malformed records")

	// ErrRecordTooLarge means a single record exceeded the buffer cap without
	// a delimiter showing up.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

const (
	// Screen frames arrive as base64 JPEG inside a single record, so the cap
	// has to be generous.
	maxRecordSize = 8 << 20

	// Consecutive JSON parse failures tolerated before the connection is
	// treated as hostile.
	maxParseFailures = 5
)

// httpMethods are request-line prefixes that identify stray browser traffic.
// The device port speaks only the newline-JSON protocol; anything that looks
// like an HTTP request line fails fast before JSON parsing.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("PATCH "),
	[]byte("CONNECT "),
}

// Framer turns the raw byte stream of one connection into complete
// newline-delimited JSON messages. Partial trailing bytes are retained across
// calls, so the emitted sequence is invariant under chunk boundaries. A Framer
// is owned exclusively by its connection's read loop and is not safe for
// concurrent use.
type Framer struct {
	buf       []byte
	badStreak int
	onError   func(err error, record []byte)
}

// NewFramer returns a Framer. onError is invoked synchronously for each
// dropped unparsable record; it may be nil.
func NewFramer(onError func(err error, record []byte)) *Framer {
	return &Framer{onError: onError}
}

// Append consumes one chunk of bytes and returns every message completed by
// it, in wire order. A non-nil error is fatal to the connection; messages
// decoded before the fault are still returned.
func (f *Framer) Append(chunk []byte) ([]*models.Message, error) {
	f.buf = append(f.buf, chunk...)

	var out []*models.Message

	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			if len(f.buf) > maxRecordSize {
				return out, ErrRecordTooLarge
			}

			return out, nil
		}

		record := bytes.TrimSuffix(f.buf[:i], []byte{'\r'})
		f.buf = f.buf[i+1:]

		if len(bytes.TrimSpace(record)) == 0 {
			continue
		}

		if looksLikeHTTP(record) {
			return out, ErrHTTPTraffic
		}

		msg := &models.Message{}
		if err := json.Unmarshal(record, msg); err != nil {
			f.badStreak++

			if f.onError != nil {
				f.onError(err, record)
			}

			if f.badStreak >= maxParseFailures {
				return out, ErrMalformedStream
			}

			continue
		}

		f.badStreak = 0

		out = append(out, msg)
	}
}

// Pending reports how many undelimited bytes are buffered.
func (f *Framer) Pending() int { return len(f.buf) }

func looksLikeHTTP(record []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(record, m) {
			return true
		}
	}

	return bytes.Contains(record, []byte(" HTTP/1."))
}
