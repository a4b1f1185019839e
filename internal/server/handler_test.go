// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/dev-pratik02/Sajilo-Chat/internal/auth"
	"github.com/dev-pratik02/Sajilo-Chat/internal/config"
	"github.com/dev-pratik02/Sajilo-Chat/internal/history"
	"github.com/dev-pratik02/Sajilo-Chat/internal/protocol"
)

const testSecret = "sajilo-test-secret"

// startTestRelay sobe um listener real com o handler e devolve handler e
// endereço. Conexões aceitas rodam o ciclo completo de HandleConnection.
func startTestRelay(t *testing.T, cfg *config.RelayConfig) (*Handler, string) {
	t.Helper()

	verifier, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	hist := history.NewClient(cfg.History, testLogger())
	t.Cleanup(hist.Close)

	h := NewHandler(cfg, testLogger(), verifier, hist)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.HandleConnection(ctx, conn)
		}
	}()

	return h, ln.Addr().String()
}

func testToken(t *testing.T, username string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return token
}

func readFrame(t *testing.T, conn net.Conn, br *bufio.Reader) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	f, err := protocol.ReadFrame(br, 64*1024)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn net.Conn, f *protocol.Frame) {
	t.Helper()
	if err := protocol.WriteFrame(conn, f); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// waitForType descarta frames até chegar um do tipo pedido; avisos de
// entrada e user_list intercalam com as respostas que interessam.
func waitForType(t *testing.T, conn net.Conn, br *bufio.Reader, frameType string) *protocol.Frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn, br)
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame after 50 frames", frameType)
	return nil
}

// dialRaw conecta sem autenticar e consome o request_auth inicial.
func dialRaw(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	br := bufio.NewReader(conn)
	if f := readFrame(t, conn, br); f.Type != protocol.TypeRequestAuth {
		t.Fatalf("first frame = %q, want request_auth", f.Type)
	}
	return conn, br
}

// dialAndLogin executa o handshake completo como um username válido.
func dialAndLogin(t *testing.T, addr, username string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, br := dialRaw(t, addr)
	writeFrame(t, conn, &protocol.Frame{Token: testToken(t, username, time.Hour)})
	welcome := readFrame(t, conn, br)
	if welcome.Type != protocol.TypeSystem || !strings.HasPrefix(welcome.Message, "Welcome to the server, ") {
		t.Fatalf("welcome = %+v", welcome)
	}
	return conn, br
}

func TestHandshake_ValidToken(t *testing.T) {
	h, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	// Depois do welcome vem a lista de usuários com a própria alice.
	users := waitForType(t, conn, br, protocol.TypeUserList)
	if len(users.Users) != 1 || users.Users[0] != "alice" {
		t.Errorf("user list = %v, want [alice]", users.Users)
	}
	if h.Registry().Count() != 1 {
		t.Errorf("registry count = %d, want 1", h.Registry().Count())
	}
}

func TestHandshake_MissingToken(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialRaw(t, addr)

	writeFrame(t, conn, &protocol.Frame{Type: "auth"})
	f := readFrame(t, conn, br)
	if f.Type != protocol.TypeError || f.Message != "Missing token" {
		t.Errorf("got %+v, want error %q", f, "Missing token")
	}
}

func TestHandshake_InvalidToken(t *testing.T) {
	h, addr := startTestRelay(t, testConfig())
	conn, br := dialRaw(t, addr)

	writeFrame(t, conn, &protocol.Frame{Token: "not-a-jwt"})
	f := readFrame(t, conn, br)
	if f.Type != protocol.TypeError || f.Message != "Invalid token" {
		t.Errorf("got %+v, want error %q", f, "Invalid token")
	}

	waitUntil(t, time.Second, func() bool { return h.HandshakeFailures.Load() == 1 },
		"handshake failure should be counted")
}

func TestHandshake_ExpiredToken(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialRaw(t, addr)

	writeFrame(t, conn, &protocol.Frame{Token: testToken(t, "alice", -time.Hour)})
	f := readFrame(t, conn, br)
	if f.Type != protocol.TypeError || f.Message != "Token expired" {
		t.Errorf("got %+v, want error %q", f, "Token expired")
	}
}

func TestHandshake_InvalidUsernameInToken(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialRaw(t, addr)

	// Sujeito com espaço viola as regras de username.
	writeFrame(t, conn, &protocol.Frame{Token: testToken(t, "bad user!", time.Hour)})
	f := readFrame(t, conn, br)
	if f.Type != protocol.TypeError || f.Message != "Invalid username" {
		t.Errorf("got %+v, want error %q", f, "Invalid username")
	}
}

func TestHandshake_DuplicateUsername(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	dialAndLogin(t, addr, "alice")

	conn, br := dialRaw(t, addr)
	writeFrame(t, conn, &protocol.Frame{Token: testToken(t, "alice", time.Hour)})
	f := readFrame(t, conn, br)
	if f.Type != protocol.TypeError || f.Message != "Username already taken" {
		t.Errorf("got %+v, want error %q", f, "Username already taken")
	}
}

func TestHandshake_PipelinedFramesAfterAuth(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialRaw(t, addr)

	// Token e primeiro frame no mesmo segmento: o leftover do handshake tem
	// que alimentar a state machine. O tipo desconhecido força uma resposta
	// que só existe se o frame emendado foi mesmo processado.
	token := testToken(t, "alice", time.Hour)
	pipelined := `{"token":"` + token + `"}` + "\n" + `{"type":"pipelined_probe"}` + "\n"
	if _, err := conn.Write([]byte(pipelined)); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Unknown message type: pipelined_probe" {
		t.Errorf("error = %q, want the pipelined probe rejection", f.Message)
	}
}

func TestJoinAndLeaveNotices(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	aliceConn, aliceBr := dialAndLogin(t, addr, "alice")

	bobConn, _ := dialAndLogin(t, addr, "bob")

	join := waitForType(t, aliceConn, aliceBr, protocol.TypeSystem)
	if join.Message != "bob joined the chat" {
		t.Errorf("join notice = %q", join.Message)
	}
	users := waitForType(t, aliceConn, aliceBr, protocol.TypeUserList)
	if len(users.Users) != 2 {
		t.Errorf("user list = %v, want 2 users", users.Users)
	}

	bobConn.Close()
	leave := waitForType(t, aliceConn, aliceBr, protocol.TypeSystem)
	if leave.Message != "bob left the chat" {
		t.Errorf("leave notice = %q", leave.Message)
	}
	users = waitForType(t, aliceConn, aliceBr, protocol.TypeUserList)
	if len(users.Users) != 1 || users.Users[0] != "alice" {
		t.Errorf("user list after leave = %v, want [alice]", users.Users)
	}
}

func TestGroupMessage_Broadcast(t *testing.T) {
	h, addr := startTestRelay(t, testConfig())
	aliceConn, _ := dialAndLogin(t, addr, "alice")
	bobConn, bobBr := dialAndLogin(t, addr, "bob")

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeGroup, Message: "hello room"})

	f := waitForType(t, bobConn, bobBr, protocol.TypeGroup)
	if f.From != "alice" || f.Message != "hello room" {
		t.Errorf("group frame = %+v", f)
	}
	if f.Timestamp == "" {
		t.Error("relay should stamp messages without a client timestamp")
	}

	waitUntil(t, time.Second, func() bool { return h.MessagesGroup.Load() == 1 },
		"group counter should reach 1")
}

func TestGroupMessage_SenderDoesNotEcho(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	aliceConn, aliceBr := dialAndLogin(t, addr, "alice")
	dialAndLogin(t, addr, "bob")

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeGroup, Message: "no echo"})
	// O request_users força uma resposta; se a mensagem de grupo tivesse
	// ecoado, ela chegaria antes da user_list.
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeRequestUsers})

	for {
		f := readFrame(t, aliceConn, aliceBr)
		if f.Type == protocol.TypeGroup {
			t.Fatalf("sender received its own group message: %+v", f)
		}
		if f.Type == protocol.TypeUserList {
			return
		}
	}
}

func TestGroupMessage_EmptyRejected(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeGroup})
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Empty message" {
		t.Errorf("error = %q, want %q", f.Message, "Empty message")
	}
}

func TestDM_DeliveryAndConfirmation(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	aliceConn, aliceBr := dialAndLogin(t, addr, "alice")
	bobConn, bobBr := dialAndLogin(t, addr, "bob")

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeDM, To: "bob", Message: "oi"})

	got := waitForType(t, bobConn, bobBr, protocol.TypeDM)
	if got.From != "alice" || got.Message != "oi" || got.Sent {
		t.Errorf("delivered dm = %+v", got)
	}

	conf := waitForType(t, aliceConn, aliceBr, protocol.TypeDM)
	if !conf.Sent || conf.To != "bob" || conf.Message != "oi" {
		t.Errorf("confirmation = %+v", conf)
	}
}

func TestDM_OfflineRecipient(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeDM, To: "ghost", Message: "anyone?"})
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "User ghost not found or offline" {
		t.Errorf("error = %q", f.Message)
	}
}

func TestDM_MissingRecipient(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeDM, Message: "to nobody"})
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Missing recipient" {
		t.Errorf("error = %q, want %q", f.Message, "Missing recipient")
	}
}

func TestTyping_BroadcastAndDirected(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	aliceConn, _ := dialAndLogin(t, addr, "alice")
	bobConn, bobBr := dialAndLogin(t, addr, "bob")

	// Sem destinatário vira broadcast para o grupo.
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeTyping})
	f := waitForType(t, bobConn, bobBr, protocol.TypeTyping)
	if f.From != "alice" || f.To != "group" {
		t.Errorf("typing frame = %+v", f)
	}

	// Direto para o bob.
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeTyping, To: "bob"})
	f = waitForType(t, bobConn, bobBr, protocol.TypeTyping)
	if f.From != "alice" || f.To != "bob" {
		t.Errorf("directed typing frame = %+v", f)
	}
}

func TestTyping_OfflineRecipientSilentlyIgnored(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeTyping, To: "ghost"})
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeRequestUsers})

	for {
		f := readFrame(t, conn, br)
		if f.Type == protocol.TypeError {
			t.Fatalf("typing to offline user produced an error: %+v", f)
		}
		if f.Type == protocol.TypeUserList {
			return
		}
	}
}

func TestDispatch_UnknownType(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	writeFrame(t, conn, &protocol.Frame{Type: "bogus"})
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Unknown message type: bogus" {
		t.Errorf("error = %q", f.Message)
	}
}

func TestDispatch_InvalidJSON(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Invalid message format" {
		t.Errorf("error = %q", f.Message)
	}
}

func TestDispatch_BlankLinesSkipped(t *testing.T) {
	_, addr := startTestRelay(t, testConfig())
	conn, br := dialAndLogin(t, addr, "alice")

	if _, err := conn.Write([]byte("\n  \n{\"type\":\"request_users\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		f := readFrame(t, conn, br)
		if f.Type == protocol.TypeError {
			t.Fatalf("blank lines produced an error: %+v", f)
		}
		if f.Type == protocol.TypeUserList {
			return
		}
	}
}

func TestDispatch_MessageTooLarge(t *testing.T) {
	cfg := testConfig()
	_, addr := startTestRelay(t, cfg)
	conn, br := dialAndLogin(t, addr, "alice")

	big := strings.Repeat("a", cfg.Limits.MaxMessageSizeRaw+100)
	if _, err := conn.Write([]byte(big + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Message too large" {
		t.Errorf("error = %q", f.Message)
	}
}

func TestDispatch_BufferOverflowDiscardsInput(t *testing.T) {
	cfg := testConfig()
	_, addr := startTestRelay(t, cfg)
	conn, br := dialAndLogin(t, addr, "alice")

	// Entrada sem newline passando do dobro do max: descartada inteira.
	garbage := strings.Repeat("x", 2*cfg.Limits.MaxMessageSizeRaw+1)
	if _, err := conn.Write([]byte(garbage)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Message buffer overflow, input discarded" {
		t.Errorf("error = %q", f.Message)
	}

	// A conexão sobrevive e volta a aceitar frames.
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeRequestUsers})
	users := waitForType(t, conn, br, protocol.TypeUserList)
	if len(users.Users) != 1 {
		t.Errorf("user list after overflow = %v", users.Users)
	}
}

func TestDispatch_RateLimitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, PerMinute: 60, Burst: 2}
	_, addr := startTestRelay(t, cfg)
	conn, br := dialAndLogin(t, addr, "alice")

	payload := `{"type":"request_users"}` + "\n"
	if _, err := conn.Write([]byte(strings.Repeat(payload, 3))); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitForType(t, conn, br, protocol.TypeError)
	if f.Message != "Rate limit exceeded, message dropped" {
		t.Errorf("error = %q", f.Message)
	}
}
