package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives each
// accepted conn; the server closes when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readFrame reads one text frame and decodes it into a generic map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write frame: %v (may be expected on close)", err)
	}
}

func TestDialSendsSessionUpdate(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization header: got %q", got)
		}
		frames <- readFrame(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := Dial(context.Background(), Config{
		APIKey:  "sk-test",
		BaseURL: wsURL(srv),
		Voice:   "alloy",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case f := <-frames:
		if f["type"] != EventTypeSessionUpdate {
			t.Fatalf("first frame type: want session.update, got %v", f["type"])
		}
		sess := f["session"].(map[string]any)
		if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
			t.Errorf("audio formats: %v / %v", sess["input_audio_format"], sess["output_audio_format"])
		}
		if td, present := sess["turn_detection"]; !present || td != nil {
			t.Errorf("turn_detection should be explicit null, got %v (present %v)", td, present)
		}
		trans, ok := sess["input_audio_transcription"].(map[string]any)
		if !ok {
			t.Fatalf("input_audio_transcription missing: %v", sess["input_audio_transcription"])
		}
		if trans["model"] != "whisper-1" {
			t.Errorf("transcription model: want whisper-1, got %v", trans["model"])
		}
		if sess["voice"] != "alloy" {
			t.Errorf("voice: want alloy, got %v", sess["voice"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	if !c.Connected() {
		t.Errorf("state: want connected, got %v", c.State())
	}
}

func TestAppendAudioEncodesBase64(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 2)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readFrame(t, conn) // session.update
		frames <- readFrame(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := Dial(context.Background(), Config{APIKey: "k", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := c.AppendAudio(pcm); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	select {
	case f := <-frames:
		if f["type"] != EventTypeInputAudioBufferAppend {
			t.Fatalf("frame type: got %v", f["type"])
		}
		decoded, err := base64.StdEncoding.DecodeString(f["audio"].(string))
		if err != nil {
			t.Fatalf("audio field is not base64: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("audio payload: want %v, got %v", pcm, decoded)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append frame")
	}
}

func TestHandlerDispatch(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readFrame(t, conn) // session.update
		writeFrame(t, conn, map[string]any{
			"type":  EventTypeResponseAudioDelta,
			"delta": base64.StdEncoding.EncodeToString([]byte("pcm")),
		})
		writeFrame(t, conn, map[string]any{"type": EventTypeResponseDone})
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := Dial(context.Background(), Config{APIKey: "k", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	deltas := make(chan string, 1)
	done := make(chan struct{}, 1)
	c.On(EventTypeResponseAudioDelta, func(evt *ServerEvent) {
		deltas <- evt.Delta
	})
	c.On(EventTypeResponseDone, func(evt *ServerEvent) {
		done <- struct{}{}
	})

	// Handlers registered after Dial still catch frames sent immediately:
	// dispatch happens on the read loop, which the server feeds after the
	// session.update round-trip above.
	select {
	case d := <-deltas:
		raw, err := base64.StdEncoding.DecodeString(d)
		if err != nil || string(raw) != "pcm" {
			t.Errorf("delta payload: got %q (err %v)", raw, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio delta dispatch")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.done dispatch")
	}
}

func TestReconnectReplaysQueuedEvents(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	firstClosed := make(chan struct{})
	secondMayAccept := make(chan struct{})
	secondFrames := make(chan map[string]any, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		if n == 2 {
			<-secondMayAccept
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		switch n {
		case 1:
			readFrame(t, conn) // session.update
			conn.Close(websocket.StatusGoingAway, "simulated drop")
			close(firstClosed)
		default:
			for i := 0; i < 3; i++ {
				secondFrames <- readFrame(t, conn)
			}
			<-conn.CloseRead(context.Background()).Done()
		}
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(context.Background(), Config{
		APIKey:               "k",
		BaseURL:              wsURL(srv),
		Backoff:              20 * time.Millisecond,
		MaxBackoff:           100 * time.Millisecond,
		MaxReconnectAttempts: 20,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	<-firstClosed
	for deadline := time.Now().Add(3 * time.Second); c.State() == StateConnected; {
		if time.Now().After(deadline) {
			t.Fatal("client never observed the drop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The link is down. Everything sent now must queue and later replay in
	// order.
	if err := c.SendUserText("first"); err != nil {
		t.Fatalf("send while down: %v", err)
	}
	if err := c.SendUserText("second"); err != nil {
		t.Fatalf("send while down: %v", err)
	}
	close(secondMayAccept)

	want := []string{EventTypeSessionUpdate, EventTypeConversationItemCreate, EventTypeConversationItemCreate}
	var gotTexts []string
	for i, wantType := range want {
		select {
		case f := <-secondFrames:
			if f["type"] != wantType {
				t.Fatalf("frame %d: want type %q, got %v", i, wantType, f["type"])
			}
			if wantType == EventTypeConversationItemCreate {
				item := f["item"].(map[string]any)
				content := item["content"].([]any)
				part := content[0].(map[string]any)
				gotTexts = append(gotTexts, part["text"].(string))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for frame %d after reconnect", i)
		}
	}
	if len(gotTexts) != 2 || gotTexts[0] != "first" || gotTexts[1] != "second" {
		t.Errorf("replay order: want [first second], got %v", gotTexts)
	}
	if !c.Connected() {
		t.Errorf("state after reconnect: want connected, got %v", c.State())
	}
}

func TestReconnectExhaustionEntersFailedState(t *testing.T) {
	t.Parallel()

	firstClosed := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readFrame(t, conn) // session.update
		conn.Close(websocket.StatusGoingAway, "simulated drop")
		close(firstClosed)
	})

	c, err := Dial(context.Background(), Config{
		APIKey:               "k",
		BaseURL:              wsURL(srv),
		Backoff:              50 * time.Millisecond,
		MaxBackoff:           50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	errs := make(chan *ServerEvent, 1)
	c.On(EventTypeError, func(evt *ServerEvent) { errs <- evt })

	<-firstClosed
	srv.Close() // every reconnection attempt now fails at dial

	select {
	case evt := <-errs:
		if evt.Error == nil || evt.Error.Code != ErrorCodeReconnectFailed {
			t.Fatalf("synthetic error event: got %+v", evt.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for synthetic error event after exhaustion")
	}

	if got := c.State(); got != StateFailed {
		t.Errorf("state after exhaustion: want failed, got %v", got)
	}
	if c.Connected() {
		t.Error("Connected() after exhaustion: want false")
	}
}

func TestSendTimeoutQueuesInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	stall := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readFrame(t, conn) // session.update
		// Stop reading: the client's next large write must stall.
		<-stall
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	t.Cleanup(func() { close(stall) })

	c, err := Dial(context.Background(), Config{
		APIKey:      "k",
		BaseURL:     wsURL(srv),
		SendTimeout: 300 * time.Millisecond,
		// Keep the reconnect cycle idle long enough to inspect the queue.
		Backoff:              5 * time.Second,
		MaxReconnectAttempts: 1,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// Far beyond what loopback socket buffering can absorb unread.
	pcm := make([]byte, 24<<20)
	start := time.Now()
	if err := c.AppendAudio(pcm); err != nil {
		t.Fatalf("stalled send: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("send took %v despite the write timeout", elapsed)
	}

	c.mu.Lock()
	queued := len(c.offline)
	c.mu.Unlock()
	if queued != 1 {
		t.Fatalf("offline queue after timed-out send: want 1 frame, got %d", queued)
	}
}

func TestReconnectFlushKeepsQueueAheadOfNewSends(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	firstClosed := make(chan struct{})
	secondMayAccept := make(chan struct{})
	received := make(chan string, 512)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		if n >= 2 {
			<-secondMayAccept
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		if n == 1 {
			readFrame(t, conn) // session.update
			conn.Close(websocket.StatusGoingAway, "simulated drop")
			close(firstClosed)
			return
		}
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) != nil || m["type"] != EventTypeConversationItemCreate {
				continue
			}
			item := m["item"].(map[string]any)
			content := item["content"].([]any)
			part := content[0].(map[string]any)
			received <- part["text"].(string)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(context.Background(), Config{
		APIKey:               "k",
		BaseURL:              wsURL(srv),
		Backoff:              20 * time.Millisecond,
		MaxBackoff:           100 * time.Millisecond,
		MaxReconnectAttempts: 50,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	<-firstClosed
	for deadline := time.Now().Add(3 * time.Second); c.State() == StateConnected; {
		if time.Now().After(deadline) {
			t.Fatal("client never observed the drop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	const backlog = 5
	for i := 0; i < backlog; i++ {
		if err := c.SendUserText(fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("queue send %d: %v", i, err)
		}
	}

	// Hammer the connection with fresh sends across the reconnect window;
	// none of them may overtake the backlog.
	stopSpam := make(chan struct{})
	var spam sync.WaitGroup
	spam.Add(1)
	go func() {
		defer spam.Done()
		for {
			select {
			case <-stopSpam:
				return
			default:
			}
			_ = c.SendUserText("live")
			time.Sleep(time.Millisecond)
		}
	}()
	close(secondMayAccept)

	sawLive := false
	deadline := time.After(5 * time.Second)
	for seenQ := 0; seenQ < backlog; {
		select {
		case text := <-received:
			if text == "live" {
				sawLive = true
				continue
			}
			if sawLive {
				t.Fatalf("backlog frame %q arrived after a fresh send", text)
			}
			if want := fmt.Sprintf("q%d", seenQ); text != want {
				t.Fatalf("backlog order: want %q, got %q", want, text)
			}
			seenQ++
		case <-deadline:
			t.Fatal("timeout waiting for backlog replay")
		}
	}
	close(stopSpam)
	spam.Wait()
}

func TestOfflineQueueDropsOldest(t *testing.T) {
	t.Parallel()

	c := &Conn{
		cfg:      Config{},
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	t.Cleanup(c.cancel)

	for i := 0; i < offlineQueueCap+5; i++ {
		if err := c.sendRaw([]byte{byte(i)}); err != nil {
			t.Fatalf("sendRaw %d: %v", i, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.offline) != offlineQueueCap {
		t.Fatalf("queue length: want %d, got %d", offlineQueueCap, len(c.offline))
	}
	if c.offline[0][0] != 5 {
		t.Errorf("oldest retained entry: want 5, got %d", c.offline[0][0])
	}
	wantNewest := offlineQueueCap + 4
	if last := c.offline[len(c.offline)-1][0]; last != byte(wantNewest) {
		t.Errorf("newest entry: want %d, got %d", byte(wantNewest), last)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readFrame(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := Dial(context.Background(), Config{APIKey: "k", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.CommitAudio(); err != ErrClosed {
		t.Errorf("send after close: want ErrClosed, got %v", err)
	}
}

func TestDialRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("want error for missing credentials, got nil")
	}
}
