// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import "strings"

// maxDisplayNameLength limita nomes de arquivo vindos do cliente nos registros
// do servidor (logs, eventos e histórico de transferências).
const maxDisplayNameLength = 255

// displayName devolve uma forma segura de um nome de arquivo enviado pelo
// cliente para uso nos registros do próprio servidor. O frame repassado ao
// receptor não muda; isto protege apenas logs e stores locais:
//
//   - componentes de path são reduzidos ao nome base (nada de traversal
//     nos registros);
//   - caracteres de controle são removidos (quebra de linha forjaria
//     registros nos stores JSONL);
//   - nomes vazios ou só-pontos viram "unnamed";
//   - o comprimento é truncado em maxDisplayNameLength.
func displayName(name string) string {
	// Clientes Windows mandam '\'; normaliza antes de cortar o path.
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)

	if name == "" || name == "." || name == ".." {
		return "unnamed"
	}
	if len(name) > maxDisplayNameLength {
		name = name[:maxDisplayNameLength]
	}
	return name
}
