// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/dev-pratik02/Sajilo-Chat/internal/client"
	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
	"github.com/dev-pratik02/Sajilo-Chat/internal/history"
	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
	"github.com/dev-pratik02/Sajilo-Chat/internal/server"
)

const testSecret = "integration-test-secret"

// TestEndToEnd_ChatSession testa o fluxo completo de uma sessão de chat:
// dois clientes autenticam → avisos de entrada → mensagem em grupo → DM com
// confirmação → typing → lista de usuários → aviso de saída.
func TestEndToEnd_ChatSession(t *testing.T) {
	recorder := &historyRecorder{}
	histURL := startHistoryService(t, recorder)
	addr := startRelay(t, relayConfig(histURL))

	alice := loginAs(t, addr, "alice")
	// A própria entrada gera uma user_list para quem acabou de chegar.
	if _, err := alice.WaitFor(protocol.TypeUserList, 5*time.Second); err != nil {
		t.Fatalf("waiting for initial user list: %v", err)
	}

	bob := loginAs(t, addr, "bob")

	// alice vê o aviso de entrada e a lista atualizada, nessa ordem.
	notice, err := alice.WaitFor(protocol.TypeSystem, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for join notice: %v", err)
	}
	if notice.Message != "bob joined the chat" {
		t.Errorf("join notice = %q, want %q", notice.Message, "bob joined the chat")
	}
	userList, err := alice.WaitFor(protocol.TypeUserList, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for updated user list: %v", err)
	}
	if len(userList.Users) != 2 || userList.Users[0] != "alice" || userList.Users[1] != "bob" {
		t.Errorf("user list = %v, want [alice bob]", userList.Users)
	}

	// Mensagem em grupo chega para bob com remetente e timestamp carimbados.
	if err := alice.SendGroup("hello room"); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	group, err := bob.WaitFor(protocol.TypeGroup, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for group message: %v", err)
	}
	if group.From != "alice" || group.Message != "hello room" {
		t.Errorf("group frame = %+v", group)
	}
	if group.Timestamp == "" {
		t.Error("group frame missing server timestamp")
	}

	// DM: o destinatário recebe a mensagem, o remetente a confirmação.
	if err := bob.SendDM("alice", "hi in private"); err != nil {
		t.Fatalf("SendDM: %v", err)
	}
	dm, err := alice.WaitFor(protocol.TypeDM, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for dm: %v", err)
	}
	if dm.From != "bob" || dm.Message != "hi in private" || dm.Sent {
		t.Errorf("dm frame = %+v", dm)
	}
	conf, err := bob.WaitFor(protocol.TypeDM, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for dm confirmation: %v", err)
	}
	if !conf.Sent || conf.To != "alice" {
		t.Errorf("dm confirmation = %+v", conf)
	}

	// Typing sem destino vira aviso de grupo para os demais.
	if err := alice.Typing(""); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	typing, err := bob.WaitFor(protocol.TypeTyping, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for typing: %v", err)
	}
	if typing.From != "alice" {
		t.Errorf("typing from = %q, want alice", typing.From)
	}

	// As duas mensagens devem chegar ao serviço de histórico.
	waitUntil(t, 5*time.Second, func() bool { return recorder.count() >= 2 },
		"history service never received the messages")
	saved := recorder.snapshot()
	byRecipient := map[string]history.Record{}
	for _, r := range saved {
		byRecipient[r.Recipient] = r
	}
	if g, ok := byRecipient["group"]; !ok || g.Sender != "alice" || g.Ciphertext != "hello room" {
		t.Errorf("persisted group record = %+v", byRecipient["group"])
	}
	if d, ok := byRecipient["alice"]; !ok || d.Sender != "bob" || d.Type != "dm" {
		t.Errorf("persisted dm record = %+v", byRecipient["alice"])
	}

	// Saída limpa: alice vê o aviso e a lista encolhida.
	bob.Close()
	leave, err := alice.WaitFor(protocol.TypeSystem, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for leave notice: %v", err)
	}
	if leave.Message != "bob left the chat" {
		t.Errorf("leave notice = %q, want %q", leave.Message, "bob left the chat")
	}
	userList, err = alice.WaitFor(protocol.TypeUserList, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for final user list: %v", err)
	}
	if len(userList.Users) != 1 || userList.Users[0] != "alice" {
		t.Errorf("final user list = %v, want [alice]", userList.Users)
	}
}

// TestEndToEnd_FileTransfer testa o relay de arquivo completo sobre TCP real:
// frames de início e fim em FRAME mode, payload cru no meio, e a volta dos
// dois lados ao protocolo de frames depois da transferência.
func TestEndToEnd_FileTransfer(t *testing.T) {
	addr := startRelay(t, relayConfig(startHistoryService(t, &historyRecorder{})))

	alice := loginAs(t, addr, "alice")
	bob := loginAs(t, addr, "bob")

	const size = 128 * 1024
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generating payload: %v", err)
	}
	wantSum := sha256.Sum256(payload)

	// Receptor em goroutine própria: em payloads maiores que os buffers do
	// kernel o envio só progride se alguém estiver drenando o outro lado.
	type recvResult struct {
		sum [32]byte
		err error
	}
	done := make(chan recvResult, 1)
	go func() {
		start, err := bob.WaitFor(protocol.TypeFileTransferStart, 10*time.Second)
		if err != nil {
			done <- recvResult{err: fmt.Errorf("waiting for transfer start: %w", err)}
			return
		}
		if start.FileID != "e2e-file-1" || start.FileName != "payload.bin" ||
			start.FileSize != size || start.Sender != "alice" {
			done <- recvResult{err: fmt.Errorf("unexpected start frame: %+v", start)}
			return
		}

		var buf bytes.Buffer
		bob.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, err := bob.ReceiveFile(start, &buf); err != nil {
			done <- recvResult{err: err}
			return
		}
		bob.SetReadDeadline(time.Time{})

		end, err := bob.WaitFor(protocol.TypeFileTransferEnd, 10*time.Second)
		if err != nil {
			done <- recvResult{err: fmt.Errorf("waiting for transfer end: %w", err)}
			return
		}
		if end.FileID != "e2e-file-1" || end.Status != "success" {
			done <- recvResult{err: fmt.Errorf("unexpected end frame: %+v", end)}
			return
		}
		done <- recvResult{sum: sha256.Sum256(buf.Bytes())}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := alice.SendFile(ctx, "bob", "e2e-file-1", "payload.bin", bytes.NewReader(payload), size); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("receiver: %v", res.err)
	}
	if res.sum != wantSum {
		t.Fatal("relayed payload does not match the original")
	}

	// Os dois lados voltam ao FRAME mode: chat segue funcionando.
	if err := bob.SendGroup("transfer done"); err != nil {
		t.Fatalf("SendGroup after transfer: %v", err)
	}
	after, err := alice.WaitFor(protocol.TypeGroup, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for post-transfer message: %v", err)
	}
	if after.Message != "transfer done" {
		t.Errorf("post-transfer message = %q", after.Message)
	}
}

// TestEndToEnd_AuthFailures testa as rejeições de handshake sobre o servidor
// completo. Cada caso abre uma conexão nova; a resposta é sempre um frame de
// erro com a mensagem canônica, seguido do fechamento do socket.
func TestEndToEnd_AuthFailures(t *testing.T) {
	addr := startRelay(t, relayConfig(startHistoryService(t, &historyRecorder{})))

	cases := []struct {
		name    string
		token   string
		wantMsg string
	}{
		{"MissingToken", "", "Missing token"},
		{"InvalidToken", "not-a-jwt", "Invalid token"},
		{"ExpiredToken", mintToken(t, "late", -time.Minute), "Token expired"},
		{"InvalidUsername", mintToken(t, "no spaces allowed", time.Hour), "Invalid username"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn, err := client.Dial(addr, client.Options{})
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			_, err = conn.Login(c.token)
			if !errors.Is(err, client.ErrServerRejected) {
				t.Fatalf("Login error = %v, want ErrServerRejected", err)
			}
			if !strings.Contains(err.Error(), c.wantMsg) {
				t.Errorf("Login error = %q, want containing %q", err, c.wantMsg)
			}
		})
	}

	t.Run("DuplicateUsername", func(t *testing.T) {
		carol := loginAs(t, addr, "carol")

		dup, err := client.Dial(addr, client.Options{})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer dup.Close()

		_, err = dup.Login(mintToken(t, "carol", time.Hour))
		if !errors.Is(err, client.ErrServerRejected) || !strings.Contains(err.Error(), "Username already taken") {
			t.Fatalf("duplicate Login error = %v", err)
		}

		// A sessão original sobrevive à tentativa duplicada.
		if err := carol.RequestUsers(); err != nil {
			t.Fatalf("RequestUsers: %v", err)
		}
		list, err := carol.WaitFor(protocol.TypeUserList, 5*time.Second)
		if err != nil {
			t.Fatalf("waiting for user list: %v", err)
		}
		if len(list.Users) != 1 || list.Users[0] != "carol" {
			t.Errorf("user list = %v, want [carol]", list.Users)
		}
	})
}

// TestEndToEnd_HistoryFetch testa o proxy de histórico: o relay repassa a
// resposta do serviço HTTP sem interpretar o corpo.
func TestEndToEnd_HistoryFetch(t *testing.T) {
	addr := startRelay(t, relayConfig(startHistoryService(t, &historyRecorder{})))

	alice := loginAs(t, addr, "alice")

	if err := alice.RequestHistory("bob"); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	hist, err := alice.WaitFor(protocol.TypeHistory, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for history: %v", err)
	}
	if hist.ChatWith != "bob" {
		t.Errorf("history chat_with = %q, want bob", hist.ChatWith)
	}
	if !strings.Contains(string(hist.Messages), `"ciphertext":"b2k="`) {
		t.Errorf("history body not forwarded verbatim: %s", hist.Messages)
	}

	if err := alice.RequestChats(); err != nil {
		t.Fatalf("RequestChats: %v", err)
	}
	chats, err := alice.WaitFor(protocol.TypeChatList, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for chat list: %v", err)
	}
	if !strings.Contains(string(chats.Chats), `"username":"bob"`) {
		t.Errorf("chat list body not forwarded verbatim: %s", chats.Chats)
	}
}

// TestEndToEnd_HistoryServiceDown testa a degradação: sem o serviço de
// histórico as consultas retornam erro, mas o chat ao vivo continua.
func TestEndToEnd_HistoryServiceDown(t *testing.T) {
	// Porta 1: connection refused imediato.
	addr := startRelay(t, relayConfig("http://127.0.0.1:1/api"))

	alice := loginAs(t, addr, "alice")
	bob := loginAs(t, addr, "bob")

	if err := alice.RequestHistory("bob"); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	fail, err := alice.WaitFor(protocol.TypeError, 10*time.Second)
	if err != nil {
		t.Fatalf("waiting for history error: %v", err)
	}
	if fail.Message != "Could not fetch history" {
		t.Errorf("history error = %q, want %q", fail.Message, "Could not fetch history")
	}

	if err := alice.RequestChats(); err != nil {
		t.Fatalf("RequestChats: %v", err)
	}
	fail, err = alice.WaitFor(protocol.TypeError, 10*time.Second)
	if err != nil {
		t.Fatalf("waiting for chat list error: %v", err)
	}
	if fail.Message != "Could not fetch chat list" {
		t.Errorf("chat list error = %q, want %q", fail.Message, "Could not fetch chat list")
	}

	// Mensagens ao vivo não dependem do histórico.
	if err := alice.SendGroup("still here"); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	msg, err := bob.WaitFor(protocol.TypeGroup, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for group message: %v", err)
	}
	if msg.Message != "still here" {
		t.Errorf("group message = %q", msg.Message)
	}
}

// TestEndToEnd_Observability testa a web UI sobre o servidor completo:
// métricas, sessões, eventos e histórico de transferências refletem o que
// aconteceu no socket de chat.
func TestEndToEnd_Observability(t *testing.T) {
	dir := t.TempDir()
	webAddr := reserveAddr(t)

	cfg := relayConfig(startHistoryService(t, &historyRecorder{}))
	cfg.WebUI = config.WebUIConfig{
		Enabled:                 true,
		Listen:                  webAddr,
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            5 * time.Second,
		IdleTimeout:             30 * time.Second,
		EventsFile:              filepath.Join(dir, "events.jsonl"),
		EventsMaxLines:          1000,
		TransferHistoryFile:     filepath.Join(dir, "transfers.jsonl"),
		TransferHistoryMaxLines: 1000,
		ParsedCIDRs:             loopbackCIDRs(t),
	}
	addr := startRelay(t, cfg)

	alice := loginAs(t, addr, "alice")
	bob := loginAs(t, addr, "bob")

	// Uma transferência pequena para alimentar contadores e histórico.
	payload := []byte("observable bytes")
	done := make(chan error, 1)
	go func() {
		start, err := bob.WaitFor(protocol.TypeFileTransferStart, 10*time.Second)
		if err != nil {
			done <- err
			return
		}
		var buf bytes.Buffer
		if _, err := bob.ReceiveFile(start, &buf); err != nil {
			done <- err
			return
		}
		_, err = bob.WaitFor(protocol.TypeFileTransferEnd, 10*time.Second)
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alice.SendFile(ctx, "bob", "obs-1", "note.txt", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("receiver: %v", err)
	}

	base := "http://" + webAddr

	var health struct {
		Status string `json:"status"`
	}
	if err := getJSON(base+"/api/v1/health", &health); err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q, want ok", health.Status)
	}

	// Contadores são atualizados de forma assíncrona ao fim da transferência.
	var metrics struct {
		SessionsActive     int   `json:"sessions_active"`
		TransfersCompleted int64 `json:"transfers_completed"`
		BytesRelayed       int64 `json:"bytes_relayed"`
	}
	waitUntil(t, 5*time.Second, func() bool {
		if err := getJSON(base+"/api/v1/metrics", &metrics); err != nil {
			return false
		}
		return metrics.SessionsActive == 2 && metrics.TransfersCompleted >= 1
	}, "metrics never reflected the session and transfer")
	if metrics.BytesRelayed < int64(len(payload)) {
		t.Errorf("bytes_relayed = %d, want >= %d", metrics.BytesRelayed, len(payload))
	}

	var sessions struct {
		Sessions []struct {
			Username string `json:"username"`
		} `json:"sessions"`
	}
	if err := getJSON(base+"/api/v1/sessions", &sessions); err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	names := map[string]bool{}
	for _, s := range sessions.Sessions {
		names[s.Username] = true
	}
	if !names["alice"] || !names["bob"] {
		t.Errorf("sessions = %+v, want alice and bob", sessions.Sessions)
	}

	var events struct {
		Events []struct {
			Kind string `json:"kind"`
			User string `json:"user"`
		} `json:"events"`
	}
	if err := getJSON(base+"/api/v1/events", &events); err != nil {
		t.Fatalf("GET events: %v", err)
	}
	kinds := map[string]int{}
	for _, e := range events.Events {
		kinds[e.Kind]++
	}
	if kinds["join"] < 2 || kinds["transfer_start"] < 1 || kinds["transfer_end"] < 1 {
		t.Errorf("event kinds = %v, want joins and transfer markers", kinds)
	}

	var transfers struct {
		Transfers []struct {
			FileID  string `json:"file_id"`
			Status  string `json:"status"`
			Relayed int64  `json:"relayed_bytes"`
		} `json:"transfers"`
	}
	if err := getJSON(base+"/api/v1/transfers/history", &transfers); err != nil {
		t.Fatalf("GET transfer history: %v", err)
	}
	if len(transfers.Transfers) != 1 {
		t.Fatalf("transfer history = %+v, want 1 record", transfers.Transfers)
	}
	rec := transfers.Transfers[0]
	if rec.FileID != "obs-1" || rec.Status != "success" || rec.Relayed != int64(len(payload)) {
		t.Errorf("transfer record = %+v", rec)
	}
}

// ===== Helpers =====

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relayConfig monta uma configuração mínima apontando para o serviço de
// histórico dado. Campos Raw são preenchidos direto (sem passar pelo parse
// de YAML).
func relayConfig(historyURL string) *config.RelayConfig {
	return &config.RelayConfig{
		Server: config.ServerListen{Listen: "127.0.0.1:0"},
		Limits: config.LimitsConfig{
			BufferSizeRaw:     4096,
			MaxMessageSizeRaw: 10240,
			HandshakeTimeout:  5 * time.Second,
			WriteTimeout:      5 * time.Second,
			OutboundQueue:     64,
		},
		Transfer: config.TransferConfig{
			Timeout:       5 * time.Minute,
			SweepInterval: time.Hour,
		},
		History: config.HistoryConfig{
			BaseURL: historyURL,
			Timeout: 2 * time.Second,
		},
		Stats: config.StatsConfig{IntervalRaw: time.Hour},
		Auth:  config.AuthConfig{Secret: testSecret},
	}
}

// startRelay sobe o relay completo em porta efêmera e devolve o endereço.
func startRelay(t *testing.T, cfg *config.RelayConfig) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.RunWithListener(ctx, ln, cfg, testLogger())

	return ln.Addr().String()
}

func mintToken(t *testing.T, username string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

// loginAs conecta e autentica um usuário, validando a mensagem de boas-vindas.
func loginAs(t *testing.T, addr, username string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr, client.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	welcome, err := c.Login(mintToken(t, username, time.Hour))
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	if want := fmt.Sprintf("Welcome to the server, %s!", username); welcome.Message != want {
		t.Fatalf("welcome = %q, want %q", welcome.Message, want)
	}
	return c
}

// historyRecorder captura os POSTs de persistência do relay.
type historyRecorder struct {
	mu    sync.Mutex
	saved []history.Record
}

func (h *historyRecorder) add(r history.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, r)
}

func (h *historyRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.saved)
}

func (h *historyRecorder) snapshot() []history.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]history.Record, len(h.saved))
	copy(out, h.saved)
	return out
}

// startHistoryService sobe um serviço de histórico fake e devolve a base URL
// (com o prefixo /api, como no deploy real).
func startHistoryService(t *testing.T, rec *historyRecorder) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages/save", func(w http.ResponseWriter, r *http.Request) {
		var record history.Record
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.add(record)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /api/messages/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"messages":[{"sender":"alice","recipient":"bob","ciphertext":"b2k=","nonce":"","mac":"","type":"dm"}]}`)
	})
	mux.HandleFunc("GET /api/chats/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"chats":[{"username":"bob","last_message_at":"2025-05-01T10:00:00Z"}]}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

// reserveAddr pega uma porta livre para o listener da web UI.
func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func loopbackCIDRs(t *testing.T) []*net.IPNet {
	t.Helper()
	_, cidr, err := net.ParseCIDR("127.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	return []*net.IPNet{cidr}
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
