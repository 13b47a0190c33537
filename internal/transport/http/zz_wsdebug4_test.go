package http

import (
	"context"
	"net/http/httptest"
	stdhttp "net/http"
	"strings"
	"testing"
	"time"

	"reflect"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

func TestWSDebugServerSide(t *testing.T) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	serverErr := make(chan string, 10)
	router.GET("/ws", gin.WrapH(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		serverErr <- "handler entered; writer type: " + strings.TrimSpace(strings.SplitN(fmtType(w), ",", 2)[0])
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			serverErr <- "accept err: " + err.Error()
			return
		}
		wctx, wcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer wcancel()
		err = conn.Write(wctx, websocket.MessageText, []byte("hello"))
		if err != nil {
			serverErr <- "write err: " + err.Error()
		} else {
			serverErr <- "write ok"
		}
		time.Sleep(500 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})))

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(ts.URL, "http", "ws", 1)+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	typ, data, rerr := conn.Read(ctx)
	t.Logf("client read: typ=%v data=%q err=%v", typ, string(data), rerr)
	for {
		select {
		case m := <-serverErr:
			t.Logf("server: %s", m)
		case <-time.After(300 * time.Millisecond):
			return
		}
	}
}

func fmtType(v any) string {
	return strings.TrimPrefix(strings.TrimSpace(typeName(v)), "*")
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflectTypeString(v)
}


func reflectTypeString(v any) string {
	return reflect.TypeOf(v).String()
}
