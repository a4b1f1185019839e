// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"fmt"
)

// ReadFrame lê uma linha completa (até '\n') respeitando maxLen e a decodifica.
// Usado pelo handshake do server e pelo client; o loop principal do handler
// NÃO usa este caminho — ele opera sobre o buffer de bytes do estado FRAME/RELAY.
func ReadFrame(br *bufio.Reader, maxLen int) (*Frame, error) {
	line, err := readLineLimited(br, maxLen)
	if err != nil {
		return nil, err
	}
	return ParseFrame([]byte(line))
}

// readLineLimited lê até '\n' devolvendo a linha sem o delimitador.
// Retorna ErrLineTooLong se a linha exceder maxLen bytes (sem contar o '\n').
func readLineLimited(br *bufio.Reader, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("reading line: %w", err)
		}
		if b == '\n' {
			return string(buf), nil
		}
		if len(buf) >= maxLen {
			return "", ErrLineTooLong
		}
		buf = append(buf, b)
	}
}
