// Copyright 2025 medialib
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metainfo

import (
	"bytes"

	"github.com/pkg/errors"
)

// ErrMalformedDescriptor is returned when the bencoded torrent descriptor
// violates the structural contract: missing required keys, wrong value
// types, or a piece-hash string whose length is not a multiple of 20.
var ErrMalformedDescriptor = errors.New("malformed torrent descriptor")

// extractInfoBytes returns the byte-exact span of the "info" value within
// the bencoded descriptor. The content identifier must be the SHA-1 of
// exactly these bytes: key order is significant to bencode hash equality,
// so re-serializing the parsed dictionary is not an option.
func extractInfoBytes(data []byte) ([]byte, error) {
	s := benScanner{data: data}
	if err := s.expect('d'); err != nil {
		return nil, err
	}
	for {
		if s.pos >= len(s.data) {
			return nil, errors.Wrap(ErrMalformedDescriptor, "unterminated top-level dictionary")
		}
		if s.data[s.pos] == 'e' {
			return nil, errors.Wrap(ErrMalformedDescriptor, "no info dictionary")
		}
		key, err := s.scanString()
		if err != nil {
			return nil, err
		}
		start := s.pos
		if err = s.scanValue(); err != nil {
			return nil, err
		}
		if bytes.Equal(key, []byte("info")) {
			return data[start:s.pos], nil
		}
	}
}

// benScanner walks a bencoded byte stream without building values,
// tracking only value spans.
type benScanner struct {
	data []byte
	pos  int
}

func (s *benScanner) expect(c byte) error {
	if s.pos >= len(s.data) || s.data[s.pos] != c {
		return errors.Wrapf(ErrMalformedDescriptor, "expected %q at offset %d", c, s.pos)
	}
	s.pos++
	return nil
}

// scanString scans a <length>:<bytes> string and returns its payload.
func (s *benScanner) scanString() ([]byte, error) {
	start := s.pos
	var n int64
	for s.pos < len(s.data) && s.data[s.pos] >= '0' && s.data[s.pos] <= '9' {
		n = n*10 + int64(s.data[s.pos]-'0')
		// Checked per digit so an absurd length cannot overflow n.
		if n > int64(len(s.data)) {
			return nil, errors.Wrapf(ErrMalformedDescriptor,
				"string length at offset %d exceeds input", start)
		}
		s.pos++
	}
	if s.pos == start || s.pos >= len(s.data) || s.data[s.pos] != ':' {
		return nil, errors.Wrapf(ErrMalformedDescriptor, "invalid string length at offset %d", start)
	}
	s.pos++
	if int64(len(s.data)-s.pos) < n {
		return nil, errors.Wrap(ErrMalformedDescriptor, "truncated string")
	}
	payload := s.data[s.pos : s.pos+int(n)]
	s.pos += int(n)
	return payload, nil
}

func (s *benScanner) scanValue() error {
	if s.pos >= len(s.data) {
		return errors.Wrap(ErrMalformedDescriptor, "truncated value")
	}
	switch c := s.data[s.pos]; {
	case c == 'i':
		s.pos++
		for s.pos < len(s.data) && s.data[s.pos] != 'e' {
			s.pos++
		}
		return s.expect('e')
	case c == 'l':
		s.pos++
		for s.pos < len(s.data) && s.data[s.pos] != 'e' {
			if err := s.scanValue(); err != nil {
				return err
			}
		}
		return s.expect('e')
	case c == 'd':
		s.pos++
		for s.pos < len(s.data) && s.data[s.pos] != 'e' {
			if _, err := s.scanString(); err != nil {
				return err
			}
			if err := s.scanValue(); err != nil {
				return err
			}
		}
		return s.expect('e')
	case c >= '0' && c <= '9':
		_, err := s.scanString()
		return err
	default:
		return errors.Wrapf(ErrMalformedDescriptor, "unexpected byte %q at offset %d", c, s.pos)
	}
}
