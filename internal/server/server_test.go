package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/types"
)

// fakeExtension dials srv and answers every command with respond. A nil
// response is never sent.
func fakeExtension(t *testing.T, srv *Server, respond func(OutgoingMsg) *IncomingMsg) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case msg := <-srv.Messages():
		if msg.Type != EventConnected {
			t.Fatalf("first event = %q, want %q", msg.Type, EventConnected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd OutgoingMsg
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			if respond == nil {
				continue
			}
			resp := respond(cmd)
			if resp == nil {
				continue
			}
			resp.ID = cmd.ID
			out, _ := json.Marshal(resp)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}()

	return conn, func() {
		cancel()
		conn.CloseNow()
		<-done
		ts.Close()
	}
}

func ok() *bool {
	b := true
	return &b
}

func notOK() *bool {
	b := false
	return &b
}

func TestServerAcceptsConnection(t *testing.T) {
	srv := New(0) // port 0 = pick any free port
	conn, stop := fakeExtension(t, srv, nil)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	evt := IncomingMsg{Type: EventTabRemoved, TabID: 7, WindowID: 1}
	data, _ := json.Marshal(evt)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-srv.Messages():
		if msg.Type != EventTabRemoved || msg.TabID != 7 {
			t.Errorf("got %+v, want tab.removed for tab 7", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
	if !srv.Connected() {
		t.Error("Connected() = false")
	}
}

func TestServerSendsCommand(t *testing.T) {
	srv := New(0)
	got := make(chan OutgoingMsg, 1)
	_, stop := fakeExtension(t, srv, func(cmd OutgoingMsg) *IncomingMsg {
		got <- cmd
		return nil
	})
	defer stop()

	if err := srv.Send(OutgoingMsg{ID: "cmd-1", Action: ActionGetTab, TabID: 42}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case cmd := <-got:
		if cmd.ID != "cmd-1" || cmd.Action != ActionGetTab || cmd.TabID != 42 {
			t.Errorf("got %+v, want cmd-1/tabs.get/42", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestGetTabRoundTrip(t *testing.T) {
	srv := New(0)
	_, stop := fakeExtension(t, srv, func(cmd OutgoingMsg) *IncomingMsg {
		if cmd.Action != ActionGetTab {
			return &IncomingMsg{OK: notOK(), Error: "unexpected " + cmd.Action}
		}
		tab := `{"id": 42, "windowId": 3, "groupId": 9, "index": 2, "url": "https://bubble.io/page?id=acme", "pinned": true}`
		return &IncomingMsg{OK: ok(), Tab: json.RawMessage(tab)}
	})
	defer stop()

	tab, err := srv.GetTab(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetTab: %v", err)
	}
	if tab.ID != 42 || tab.WindowID != 3 || tab.GroupID != 9 || !tab.Pinned {
		t.Errorf("got %+v", tab)
	}
}

func TestGroupTabs(t *testing.T) {
	srv := New(0)
	cmds := make(chan OutgoingMsg, 2)
	_, stop := fakeExtension(t, srv, func(cmd OutgoingMsg) *IncomingMsg {
		cmds <- cmd
		return &IncomingMsg{OK: ok(), GroupID: 17}
	})
	defer stop()
	ctx := context.Background()

	id, err := srv.GroupTabs(ctx, []int{1, 2}, types.NoGroup)
	if err != nil {
		t.Fatalf("GroupTabs: %v", err)
	}
	if id != 17 {
		t.Errorf("group id = %d, want 17", id)
	}
	if cmd := <-cmds; cmd.GroupID != nil {
		t.Errorf("new group command carried groupId %d", *cmd.GroupID)
	}

	if _, err := srv.GroupTabs(ctx, []int{3}, 17); err != nil {
		t.Fatalf("GroupTabs: %v", err)
	}
	if cmd := <-cmds; cmd.GroupID == nil || *cmd.GroupID != 17 {
		t.Errorf("existing group command = %+v, want groupId 17", cmd)
	}
}

func TestCallClassifiesErrors(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"No tab with id: 5.", host.ErrNotFound},
		{"No group with id: 12.", host.ErrNotFound},
		{"Tabs cannot be edited right now (user may be dragging a tab).", host.ErrTabBusy},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			srv := New(0)
			_, stop := fakeExtension(t, srv, func(OutgoingMsg) *IncomingMsg {
				return &IncomingMsg{OK: notOK(), Error: tt.msg}
			})
			defer stop()

			err := srv.UpdateGroup(context.Background(), 12, host.GroupUpdate{Title: new(string)})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCallUnknownErrorIsNotClassified(t *testing.T) {
	srv := New(0)
	_, stop := fakeExtension(t, srv, func(OutgoingMsg) *IncomingMsg {
		return &IncomingMsg{OK: notOK(), Error: "something odd"}
	})
	defer stop()

	_, err := srv.GetGroup(context.Background(), 1)
	if err == nil || errors.Is(err, host.ErrNotFound) || errors.Is(err, host.ErrTabBusy) {
		t.Errorf("err = %v, want an unclassified error", err)
	}
}

func TestCallNotConnected(t *testing.T) {
	srv := New(0)
	_, err := srv.QueryTabs(context.Background(), host.TabQuery{})
	if !errors.Is(err, host.ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
}

func TestCallTimeout(t *testing.T) {
	srv := New(0).WithCallTimeout(50 * time.Millisecond)
	_, stop := fakeExtension(t, srv, nil)
	defer stop()

	_, err := srv.QueryGroups(context.Background(), 0)
	if !errors.Is(err, host.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	srv := New(0)
	received := make(chan struct{}, 1)
	conn, stop := fakeExtension(t, srv, func(OutgoingMsg) *IncomingMsg {
		received <- struct{}{}
		return nil
	})
	defer stop()

	errc := make(chan error, 1)
	go func() {
		_, err := srv.GetTab(context.Background(), 1)
		errc <- err
	}()
	<-received
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case err := <-errc:
		if !errors.Is(err, host.ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on disconnect")
	}
}

func TestScrapeBranch(t *testing.T) {
	srv := New(0)
	_, stop := fakeExtension(t, srv, func(cmd OutgoingMsg) *IncomingMsg {
		return &IncomingMsg{OK: ok(), Name: "Checkout", Content: "<html></html>"}
	})
	defer stop()

	res, err := srv.ScrapeBranch(context.Background(), 5)
	if err != nil {
		t.Fatalf("ScrapeBranch: %v", err)
	}
	if res.Name != "Checkout" || res.Content != "<html></html>" {
		t.Errorf("got %+v", res)
	}
}
