// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeFrame serializa um frame como linha JSON terminada por '\n'.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFrame serializa e escreve um frame no writer.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
