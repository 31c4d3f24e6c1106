// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

var (
	ErrIncompleteMessage  = errors.New("wire: incomplete message")
	ErrUnknownKind        = errors.New("wire: unknown message kind")
	ErrTooManyTopics      = errors.New("wire: too many topics")
	ErrTooManySubscribers = errors.New("wire: too many subscribers")
	ErrTooManyNodeIDs     = errors.New("wire: too many node ids")
	ErrBodyTooLong        = errors.New("wire: message body too long")
	ErrInvalidUTF8        = errors.New("wire: invalid UTF-8")
	ErrTruncated          = errors.New("wire: truncated message")
)

// EncodingError is returned by Encode when a message cannot be put on the wire.
type EncodingError struct {
	Kind Kind
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Kind, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func encodingError(k Kind, err error) error {
	return &EncodingError{Kind: k, Err: err}
}
