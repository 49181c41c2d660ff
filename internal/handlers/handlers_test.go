package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/auth/authtest"
	"github.com/karchevskii/tictactoe/internal/bus"
	"github.com/karchevskii/tictactoe/internal/game"
	"github.com/karchevskii/tictactoe/internal/hub"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/karchevskii/tictactoe/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cookieName = "tictactoe"

type cluster struct {
	issuer  *authtest.Issuer
	mr      *miniredis.Miniredis
	servers []*httptest.Server
}

// newCluster starts n service instances sharing one redis. opts tweak each
// GameServer before it starts serving.
func newCluster(t *testing.T, n int, opts ...func(*GameServer)) *cluster {
	t.Helper()
	mr := miniredis.RunT(t)
	issuer, pub, err := authtest.NewIssuer(time.Hour)
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)

	c := &cluster{issuer: issuer, mr: mr}
	for i := 0; i < n; i++ {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		h := hub.New(bus.NewRedisBus(rdb, log), log)
		svc := game.NewService(store.New(rdb, log), h, store.NewPresence(rdb, h.InstanceID, 15*time.Second), log, game.Options{FinishedGrace: time.Minute})
		gs := &GameServer{
			Service:    svc,
			Resolver:   auth.NewTokenVerifier(pub),
			CookieName: cookieName,
			Logger:     log,
		}
		for _, opt := range opts {
			opt(gs)
		}
		srv := httptest.NewServer(gs.Routes())
		t.Cleanup(func() {
			srv.Close()
			h.Close()
			rdb.Close()
		})
		c.servers = append(c.servers, srv)
	}
	return c
}

func (c *cluster) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := c.issuer.Issue(models.ParticipantID(user))
	require.NoError(t, err)
	return tok
}

func (c *cluster) do(t *testing.T, server int, method, path, user, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.servers[server].URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: c.token(t, user)})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (c *cluster) createGame(t *testing.T, user, body string) *models.Game {
	t.Helper()
	status, data := c.do(t, 0, http.MethodPost, "/game/create", user, body)
	require.Equal(t, http.StatusOK, status, string(data))
	var g models.Game
	require.NoError(t, json.Unmarshal(data, &g))
	return &g
}

func (c *cluster) dial(t *testing.T, server int, gameID, token string) *websocket.Conn {
	t.Helper()
	return dialURL(t, "ws"+strings.TrimPrefix(c.servers[server].URL, "http")+"/ws/game/"+gameID+"?token="+token)
}

func dialURL(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame map[string]any
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame["type"] == typ {
			return frame
		}
	}
}

// readAll keeps a read in flight on conn, which is also what answers the
// server's pings, and hands every frame to the returned channel.
func readAll(conn *websocket.Conn) <-chan map[string]any {
	frames := make(chan map[string]any, 64)
	go func() {
		defer close(frames)
		for {
			var frame map[string]any
			if err := wsjson.Read(context.Background(), conn, &frame); err != nil {
				return
			}
			frames <- frame
		}
	}()
	return frames
}

// await takes frames off ch until one of type typ arrives.
func await(t *testing.T, ch <-chan map[string]any, typ string) map[string]any {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-ch:
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if frame["type"] == typ {
				return frame
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+typ)
		}
	}
}

func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestHealth(t *testing.T) {
	c := newCluster(t, 1)
	status, data := c.do(t, 0, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestRESTRequiresIdentity(t *testing.T) {
	c := newCluster(t, 1)
	status, _ := c.do(t, 0, http.MethodPost, "/game/create", "", `{"mode":"bot"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = c.do(t, 0, http.MethodGet, "/games/open", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCreateListJoinGet(t *testing.T) {
	c := newCluster(t, 2)

	g := c.createGame(t, "alice", `{"mode":"multiplayer"}`)
	assert.Equal(t, models.StatusWaiting, g.Status)
	assert.Equal(t, models.ParticipantID("alice"), g.Participants.X)

	// the creator never sees their own game as open
	status, data := c.do(t, 1, http.MethodGet, "/games/open", "alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(data))

	status, data = c.do(t, 1, http.MethodGet, "/games/open", "bob", "")
	require.Equal(t, http.StatusOK, status)
	var open []models.Game
	require.NoError(t, json.Unmarshal(data, &open))
	require.Len(t, open, 1)
	assert.Equal(t, g.ID, open[0].ID)

	status, data = c.do(t, 1, http.MethodPost, "/game/join/"+g.ID, "bob", "")
	require.Equal(t, http.StatusOK, status, string(data))
	var joined models.Game
	require.NoError(t, json.Unmarshal(data, &joined))
	assert.Equal(t, models.StatusActive, joined.Status)
	assert.Equal(t, models.ParticipantID("bob"), joined.Participants.O)

	status, _ = c.do(t, 0, http.MethodPost, "/game/join/"+g.ID, "carol", "")
	assert.Equal(t, http.StatusConflict, status)
	status, _ = c.do(t, 0, http.MethodPost, "/game/join/"+g.ID, "bob", "")
	assert.Equal(t, http.StatusConflict, status)

	status, data = c.do(t, 0, http.MethodGet, "/game/"+g.ID, "carol", "")
	require.Equal(t, http.StatusOK, status)
	var fetched models.Game
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, models.StatusActive, fetched.Status)
}

func TestRESTErrors(t *testing.T) {
	c := newCluster(t, 1)

	status, data := c.do(t, 0, http.MethodGet, "/game/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(data), "detail")

	status, _ = c.do(t, 0, http.MethodPost, "/game/join/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = c.do(t, 0, http.MethodPost, "/game/create", "alice", `{"mode":"solo"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = c.do(t, 0, http.MethodPost, "/game/create", "alice", `{"mode":"bot","mark":"z"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = c.do(t, 0, http.MethodPost, "/game/create", "alice", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	g := c.createGame(t, "alice", `{"mode":"bot"}`)
	status, _ = c.do(t, 0, http.MethodPost, "/game/join/"+g.ID, "bob", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestBotGameOverSocket(t *testing.T) {
	c := newCluster(t, 1)
	g := c.createGame(t, "alice", `{"mode":"bot","mark":"o"}`)
	assert.Equal(t, models.X, g.Board[4], "bot opens in the center")

	conn := c.dial(t, 0, g.ID, c.token(t, "alice"))
	snap := readUntil(t, conn, models.MsgGameState)
	assert.Equal(t, g.ID, snap["game"].(map[string]any)["id"])

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "move", "position": 0}))
	state := readUntil(t, conn, models.MsgGameState)
	board := state["game"].(map[string]any)["board"].([]any)
	assert.Equal(t, "o", board[0])
	moves := state["game"].(map[string]any)["moves"].([]any)
	assert.Len(t, moves, 3, "bot opening, our move and the bot reply")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "move", "position": 0}))
	errFrame := readUntil(t, conn, models.MsgError)
	assert.NotEmpty(t, errFrame["message"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "ping"}))
	readUntil(t, conn, models.MsgPong)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "chat", "message": "hi"}))
	echo := readUntil(t, conn, models.MsgChat)
	assert.Equal(t, "hi", echo["message"])
	reply := readUntil(t, conn, models.MsgChat)
	assert.Equal(t, models.ChatSenderBot, reply["sender"])
}

func TestMultiplayerAcrossInstances(t *testing.T) {
	c := newCluster(t, 2)
	g := c.createGame(t, "alice", `{"mode":"multiplayer"}`)
	status, _ := c.do(t, 1, http.MethodPost, "/game/join/"+g.ID, "bob", "")
	require.Equal(t, http.StatusOK, status)

	alice := c.dial(t, 0, g.ID, c.token(t, "alice"))
	readUntil(t, alice, models.MsgGameState)
	bob := c.dial(t, 1, g.ID, c.token(t, "bob"))
	readUntil(t, bob, models.MsgGameState)

	joined := readUntil(t, alice, models.MsgPlayerConnected)
	assert.Equal(t, "o", joined["player"])

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, alice, map[string]any{"type": "move", "position": 4}))
	for _, conn := range []*websocket.Conn{alice, bob} {
		state := readUntil(t, conn, models.MsgGameState)
		board := state["game"].(map[string]any)["board"].([]any)
		assert.Equal(t, "x", board[4])
		assert.Equal(t, "bob", state["game"].(map[string]any)["current_turn"])
	}

	require.NoError(t, wsjson.Write(ctx, bob, map[string]any{"type": "chat", "message": "gl"}))
	line := readUntil(t, alice, models.MsgChat)
	assert.Equal(t, "gl", line["message"])
	assert.Equal(t, "o", line["sender"])

	// bob leaving an active game hands alice the win
	require.NoError(t, bob.Close(websocket.StatusNormalClosure, ""))
	final := readUntil(t, alice, models.MsgGameState)
	assert.Equal(t, true, final["disconnection"])
	assert.Equal(t, "x", final["game"].(map[string]any)["winner"])
	assert.Equal(t, "completed", final["game"].(map[string]any)["status"])
}

func TestSocketCloseCodes(t *testing.T) {
	c := newCluster(t, 1)
	g := c.createGame(t, "alice", `{"mode":"multiplayer"}`)

	t.Run("bad credential", func(t *testing.T) {
		conn := c.dial(t, 0, g.ID, "garbage")
		assert.Equal(t, InvalidCredentialClose, closeStatus(t, conn))
	})
	t.Run("unknown game", func(t *testing.T) {
		conn := c.dial(t, 0, "missing", c.token(t, "alice"))
		assert.Equal(t, GameNotFoundClose, closeStatus(t, conn))
	})
	t.Run("not a participant", func(t *testing.T) {
		conn := c.dial(t, 0, g.ID, c.token(t, "mallory"))
		assert.Equal(t, NotParticipantClose, closeStatus(t, conn))
	})
}

func TestReconnectReplacesOldSocket(t *testing.T) {
	c := newCluster(t, 1)
	g := c.createGame(t, "alice", `{"mode":"multiplayer"}`)

	first := c.dial(t, 0, g.ID, c.token(t, "alice"))
	readUntil(t, first, models.MsgGameState)
	second := c.dial(t, 0, g.ID, c.token(t, "alice"))
	readUntil(t, second, models.MsgGameState)

	assert.Equal(t, ReplacedClose, closeStatus(t, first))

	// the replaced socket going away must not abandon the game
	status, data := c.do(t, 0, http.MethodGet, "/game/"+g.ID, "alice", "")
	require.Equal(t, http.StatusOK, status)
	var fetched models.Game
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, models.StatusWaiting, fetched.Status)
}

func TestCORSPreflight(t *testing.T) {
	c := newCluster(t, 1)
	req, err := http.NewRequest(http.MethodOptions, c.servers[0].URL+"/game/create", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

// freezingProxy relays TCP to a target until frozen. A frozen proxy keeps
// every connection open but drops all bytes, like a network that died
// without a FIN or RST.
type freezingProxy struct {
	ln     net.Listener
	target string
	frozen atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func newFreezingProxy(t *testing.T, target string) *freezingProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &freezingProxy{ln: ln, target: target}
	t.Cleanup(func() {
		ln.Close()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.conns {
			c.Close()
		}
	})
	go p.serve()
	return p
}

func (p *freezingProxy) serve() {
	for {
		client, err := p.ln.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", p.target)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()
		go p.pipe(server, client)
		go p.pipe(client, server)
	}
}

func (p *freezingProxy) pipe(dst, src net.Conn) {
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 && !p.frozen.Load() {
			if _, err := dst.Write(buf[:n]); err != nil {
				return
			}
		}
		if err != nil {
			if !p.frozen.Load() {
				dst.Close()
			}
			return
		}
	}
}

func TestSilentPeerIsDroppedByKeepalive(t *testing.T) {
	c := newCluster(t, 1, func(gs *GameServer) { gs.PingInterval = 250 * time.Millisecond })
	g := c.createGame(t, "alice", `{"mode":"multiplayer"}`)
	status, _ := c.do(t, 0, http.MethodPost, "/game/join/"+g.ID, "bob", "")
	require.Equal(t, http.StatusOK, status)

	alice := readAll(c.dial(t, 0, g.ID, c.token(t, "alice")))
	await(t, alice, models.MsgGameState)

	proxy := newFreezingProxy(t, strings.TrimPrefix(c.servers[0].URL, "http://"))
	bob := readAll(dialURL(t, "ws://"+proxy.ln.Addr().String()+"/ws/game/"+g.ID+"?token="+c.token(t, "bob")))
	await(t, bob, models.MsgGameState)
	await(t, alice, models.MsgPlayerConnected)

	// a few pings go through before bob's network goes dark
	time.Sleep(600 * time.Millisecond)
	proxy.frozen.Store(true)

	final := await(t, alice, models.MsgGameState)
	assert.Equal(t, true, final["disconnection"])
	assert.Equal(t, "x", final["game"].(map[string]any)["winner"])

	status, data := c.do(t, 0, http.MethodGet, "/game/"+g.ID, "alice", "")
	require.Equal(t, http.StatusOK, status)
	var fetched models.Game
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, models.StatusCompleted, fetched.Status)
}

func TestStoreFailureKeepsSocketOpen(t *testing.T) {
	c := newCluster(t, 1)
	g := c.createGame(t, "alice", `{"mode":"bot"}`)
	conn := c.dial(t, 0, g.ID, c.token(t, "alice"))
	readUntil(t, conn, models.MsgGameState)

	ctx := context.Background()
	c.mr.SetError("ERR injected failure")
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "move", "position": 0}))
	errFrame := readUntil(t, conn, models.MsgError)
	assert.Equal(t, "internal server error", errFrame["message"])
	c.mr.SetError("")

	// the session survives and the retried move lands
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "move", "position": 0}))
	state := readUntil(t, conn, models.MsgGameState)
	board := state["game"].(map[string]any)["board"].([]any)
	assert.Equal(t, "x", board[0])
}
